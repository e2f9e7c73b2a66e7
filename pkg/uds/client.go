package uds

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/openflash/n54ecu/pkg/isotp"
	"github.com/openflash/n54ecu/pkg/uds/security"
)

// State is the diagnostic session state machine named in spec.md §4.3.
type State int

const (
	StateDefault State = iota
	StateProgramming
	StateUnlocked
)

func (s State) String() string {
	switch s {
	case StateDefault:
		return "Default"
	case StateProgramming:
		return "Programming"
	case StateUnlocked:
		return "Unlocked"
	default:
		return "Unknown"
	}
}

// maxConsecutiveKeyFailures bounds the try-all security access policy
// regardless of how many algorithms are configured (spec.md §4.3).
const maxConsecutiveKeyFailures = 3

// maxBusyRetries bounds retries of a request that keeps drawing a busy NRC.
const maxBusyRetries = 3

// Config carries the per-session timing and security knobs sourced from
// configuration (spec.md §6).
type Config struct {
	P2             time.Duration // initial response timeout
	P2Star         time.Duration // extended timeout while 0x78 is pending
	Algorithms     []security.Named
	LockoutBackoff time.Duration
	KeepAlive      time.Duration
}

func (c Config) withDefaults() Config {
	if c.P2 == 0 {
		c.P2 = 50 * time.Millisecond
	}
	if c.P2Star == 0 {
		c.P2Star = 5 * time.Second
	}
	if c.LockoutBackoff == 0 {
		c.LockoutBackoff = 10 * time.Second
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = 2 * time.Second
	}
	return c
}

// Client drives one diagnostic session: all calls are serialised, matching
// the controller's single-outstanding-request invariant (spec.md §5).
type Client struct {
	iso *isotp.Session
	cfg Config

	mu    sync.Mutex
	state State

	unlockedAlgo *security.Named

	keepAliveCancel context.CancelFunc
	keepAliveDone   chan struct{}
}

// NewClient builds a diagnostic client on top of an already-bound ISO-TP
// session.
func NewClient(iso *isotp.Session, cfg Config) *Client {
	return &Client{iso: iso, cfg: cfg.withDefaults(), state: StateDefault}
}

// State returns the client's current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// request sends one service payload and returns its positive response data
// (with only the echoed service byte stripped — any sub-function byte the
// service echoes back is still the caller's to strip), handling 0x78
// response-pending extensions and busy-NRC retries transparently. Callers
// must already hold c.mu.
func (c *Client) request(payload []byte) ([]byte, error) {
	service := payload[0]
	busyRetries := 0

resend:
	if err := c.iso.Send(payload); err != nil {
		return nil, fmt.Errorf("uds: send service x%02x: %w", service, err)
	}

	deadline := time.Now().Add(c.cfg.P2)
	for {
		resp, err := c.iso.Receive(deadline)
		if err != nil {
			return nil, fmt.Errorf("uds: service x%02x: %w", service, err)
		}
		if len(resp) >= 3 && resp[0] == NegativeResponseSID && resp[1] == service {
			nrc := resp[2]
			switch nrc {
			case NRCResponsePending:
				log.Debugf("[UDS] service x%02x pending, extending P2*", service)
				deadline = time.Now().Add(c.cfg.P2Star)
				continue
			case NRCBusyRepeatRequest, NRCConditionsNotCorrect:
				if busyRetries >= maxBusyRetries {
					return nil, &DiagnosticNegative{Service: service, NRC: nrc}
				}
				busyRetries++
				log.Warnf("[UDS] service x%02x busy (NRC x%02x), retry %d/%d", service, nrc, busyRetries, maxBusyRetries)
				time.Sleep(c.cfg.lockoutBackoffFraction())
				goto resend
			default:
				return nil, &DiagnosticNegative{Service: service, NRC: nrc}
			}
		}
		if len(resp) < 1 || resp[0] != service+0x40 {
			return nil, &UnexpectedResponse{Service: service, Got: resp}
		}
		return resp[1:], nil
	}
}

func (c Config) lockoutBackoffFraction() time.Duration {
	return c.LockoutBackoff / 10
}

// DiagnosticSessionControl moves the session to Programming and starts the
// tester-present keep-alive (spec.md §4.3 state table).
func (c *Client) DiagnosticSessionControl(ctx context.Context) error {
	c.mu.Lock()
	_, err := c.request([]byte{ServiceDiagnosticSessionControl, SessionProgramming})
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.state = StateProgramming
	c.mu.Unlock()

	c.startKeepAlive(ctx)
	return nil
}

func (c *Client) startKeepAlive(ctx context.Context) {
	kctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.keepAliveCancel = cancel
	c.keepAliveDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.cfg.KeepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-kctx.Done():
				return
			case <-ticker.C:
				c.mu.Lock()
				if err := c.iso.Send([]byte{ServiceTesterPresent, TesterPresentSuppressPositive}); err != nil {
					log.Warnf("[UDS] tester-present send failed: %v", err)
				}
				c.mu.Unlock()
			}
		}
	}()
}

// StopKeepAlive cancels the tester-present goroutine and waits for it to
// exit. Safe to call even if the keep-alive was never started.
func (c *Client) StopKeepAlive() {
	if c.keepAliveCancel == nil {
		return
	}
	c.keepAliveCancel()
	<-c.keepAliveDone
	c.keepAliveCancel = nil
}

// SecurityAccess runs the try-all seed/key policy (spec.md §4.3): algorithms
// are attempted in the order supplied to Config, advancing to the next on
// an invalid-key negative response, failing with SecurityDenied after
// maxConsecutiveKeyFailures.
func (c *Client) SecurityAccess() error {
	if len(c.cfg.Algorithms) == 0 {
		return fmt.Errorf("uds: no security algorithms configured")
	}

	failures := 0
	for i := 0; failures < maxConsecutiveKeyFailures; i++ {
		alg := c.cfg.Algorithms[i%len(c.cfg.Algorithms)]

		c.mu.Lock()
		seedResp, err := c.request([]byte{ServiceSecurityAccess, SecurityRequestSeedA})
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("uds: request seed: %w", err)
		}
		if len(seedResp) < 1 {
			c.mu.Unlock()
			return &UnexpectedResponse{Service: ServiceSecurityAccess, Got: seedResp}
		}
		// seedResp[0] is the echoed sub-function byte; request() only strips
		// the service byte, so the 4-byte seed starts at seedResp[1].
		seed := bytesToUint32(seedResp[1:])
		if seed == 0 {
			c.state = StateUnlocked
			c.unlockedAlgo = &alg
			c.mu.Unlock()
			log.Debugf("[UDS] zero seed, controller already unlocked")
			return nil
		}

		key := alg.Compute(seed)
		keyPayload := append([]byte{ServiceSecurityAccess, SecuritySendKeyA}, uint32ToBytes(key)...)
		_, err = c.request(keyPayload)
		if err == nil {
			c.state = StateUnlocked
			c.unlockedAlgo = &alg
			c.mu.Unlock()
			log.Infof("[UDS] security access granted using algorithm %s", alg.Name)
			return nil
		}
		c.mu.Unlock()

		var neg *DiagnosticNegative
		if !asInvalidKey(err, &neg) {
			return err
		}
		failures++
		log.Warnf("[UDS] algorithm %s rejected (attempt %d/%d)", alg.Name, failures, maxConsecutiveKeyFailures)
		if failures < maxConsecutiveKeyFailures {
			time.Sleep(c.cfg.LockoutBackoff)
		}
	}
	return &SecurityDenied{Attempts: failures}
}

func asInvalidKey(err error, out **DiagnosticNegative) bool {
	neg, ok := err.(*DiagnosticNegative)
	if !ok || neg.NRC != NRCInvalidKey {
		return false
	}
	*out = neg
	return true
}

// TesterPresent sends one foreground tester-present request, independent of
// the background keep-alive.
func (c *Client) TesterPresent() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iso.Send([]byte{ServiceTesterPresent, TesterPresentSuppressPositive})
}

// ReadMemoryByAddress reads length bytes starting at addr. Callers are
// responsible for chunking to the controller's accepted block size
// (spec.md §4.5 caps this at 512 bytes per call).
func (c *Client) ReadMemoryByAddress(addr uint32, length uint16) ([]byte, error) {
	payload := []byte{
		ServiceReadMemoryByAddress,
		AddressAndLengthFormat,
		byte(addr >> 24), byte(addr >> 16), byte(addr >> 8), byte(addr),
		byte(length >> 8), byte(length),
	}
	c.mu.Lock()
	data, err := c.request(payload)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("uds: read memory x%08x/%d: %w", addr, length, err)
	}
	return data, nil
}

// RoutineControl starts a routine identified by routineID and returns
// whatever data accompanies the positive response.
func (c *Client) RoutineControl(routineID uint16, params ...byte) ([]byte, error) {
	payload := append([]byte{ServiceRoutineControl, RoutineStart, byte(routineID >> 8), byte(routineID)}, params...)
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := c.request(payload)
	if err != nil {
		return nil, fmt.Errorf("uds: routine control x%04x: %w", routineID, err)
	}
	return data, nil
}

// RequestDownload opens a programming transfer and returns the maximum
// block length the controller granted (length-format-byte stripped).
func (c *Client) RequestDownload(addr, size uint32) (maxBlockLength int, err error) {
	payload := []byte{
		ServiceRequestDownload,
		TransferDataFormat,
		AddressAndLengthFormat,
		byte(addr >> 24), byte(addr >> 16), byte(addr >> 8), byte(addr),
		byte(size >> 24), byte(size >> 16), byte(size >> 8), byte(size),
	}
	c.mu.Lock()
	resp, reqErr := c.request(payload)
	c.mu.Unlock()
	if reqErr != nil {
		return 0, fmt.Errorf("uds: request download: %w", reqErr)
	}
	if len(resp) < 3 {
		return 0, &UnexpectedResponse{Service: ServiceRequestDownload, Got: resp}
	}
	lengthSize := int(resp[0] >> 4)
	if lengthSize == 0 || len(resp) < 1+lengthSize {
		return 0, &UnexpectedResponse{Service: ServiceRequestDownload, Got: resp}
	}
	var maxLen int
	for _, b := range resp[1 : 1+lengthSize] {
		maxLen = (maxLen << 8) | int(b)
	}
	return maxLen, nil
}

// TransferData sends one block of a download, tagged with the 1-byte
// rolling counter described in spec.md §4.5 (wraps 0x01..0xFF then 0x00).
func (c *Client) TransferData(counter byte, chunk []byte) error {
	payload := append([]byte{ServiceTransferData, counter}, chunk...)
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.request(payload)
	if err != nil {
		return fmt.Errorf("uds: transfer data block x%02x: %w", counter, err)
	}
	return nil
}

// RequestTransferExit closes a download opened with RequestDownload.
func (c *Client) RequestTransferExit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.request([]byte{ServiceRequestTransferExit})
	if err != nil {
		return fmt.Errorf("uds: request transfer exit: %w", err)
	}
	return nil
}

// ECUReset issues a hard reset and drops the session back to Default.
func (c *Client) ECUReset() error {
	c.mu.Lock()
	_, err := c.request([]byte{ServiceECUReset, ResetHard})
	c.state = StateDefault
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("uds: ecu reset: %w", err)
	}
	return nil
}

func bytesToUint32(b []byte) uint32 {
	var v uint32
	for _, x := range b {
		v = (v << 8) | uint32(x)
	}
	return v
}

func uint32ToBytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
