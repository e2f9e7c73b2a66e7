package flash_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openflash/n54ecu/pkg/calibration"
	"github.com/openflash/n54ecu/pkg/flash"
	"github.com/openflash/n54ecu/pkg/isotp"
	"github.com/openflash/n54ecu/pkg/transport/virtual"
	"github.com/openflash/n54ecu/pkg/uds"
)

// mockECU is a scriptable controller simulator driving the UDS services an
// orchestrator run exercises: session control, zero-seed security access,
// memory read, routine control, and the download/transfer/exit sequence.
type mockECU struct {
	t       *testing.T
	ecu     *isotp.Session
	variant calibration.Variant
	memory  []byte

	downloadAddr    uint32
	downloadCursor  int
	transferStarted bool
	stopped         bool

	// corruptOnce, if >= 0, flips one bit the first time a read covers
	// that offset (used to simulate a verify mismatch).
	corruptOnce int
	corrupted   bool
}

func newMockECU(t *testing.T, ecu *isotp.Session, v calibration.Variant) *mockECU {
	t.Helper()
	memory := make([]byte, v.ImageSize)
	for i := range memory {
		memory[i] = 0x42
	}
	return &mockECU{t: t, ecu: ecu, variant: v, memory: memory, corruptOnce: -1}
}

func (m *mockECU) serve() {
	for !m.stopped {
		req, err := m.ecu.Receive(time.Now().Add(5 * time.Second))
		if err != nil {
			return
		}
		if resp := m.handle(req); resp != nil {
			if err := m.ecu.Send(resp); err != nil {
				return
			}
		}
	}
}

func (m *mockECU) handle(req []byte) []byte {
	switch req[0] {
	case uds.ServiceDiagnosticSessionControl:
		return []byte{req[0] + 0x40, req[1]}
	case uds.ServiceSecurityAccess:
		sub := req[1]
		if sub == uds.SecurityRequestSeedA {
			return []byte{req[0] + 0x40, sub, 0, 0, 0, 0} // zero seed: already unlocked
		}
		return []byte{req[0] + 0x40, sub}
	case uds.ServiceTesterPresent:
		return nil // suppress-positive: no response
	case uds.ServiceReadMemoryByAddress:
		addr := binary.BigEndian.Uint32(req[2:6])
		length := binary.BigEndian.Uint16(req[6:8])
		offset := int(addr - m.variant.BaseAddr)
		data := append([]byte(nil), m.memory[offset:offset+int(length)]...)
		if m.transferStarted && m.corruptOnce >= offset && m.corruptOnce < offset+int(length) && !m.corrupted {
			data[m.corruptOnce-offset] ^= 0xFF
			m.corrupted = true
		}
		return append([]byte{req[0] + 0x40}, data...)
	case uds.ServiceRoutineControl:
		return append([]byte{req[0] + 0x40}, req[1:]...)
	case uds.ServiceRequestDownload:
		m.downloadAddr = binary.BigEndian.Uint32(req[3:7])
		m.downloadCursor = 0
		m.transferStarted = true
		return []byte{req[0] + 0x40, 0x20, 0x02, 0x00} // 2-byte maxBlockLength = 512
	case uds.ServiceTransferData:
		counter := req[1]
		chunk := req[2:]
		offset := int(m.downloadAddr-m.variant.BaseAddr) + m.downloadCursor
		copy(m.memory[offset:], chunk)
		m.downloadCursor += len(chunk)
		return []byte{req[0] + 0x40, counter}
	case uds.ServiceRequestTransferExit:
		return []byte{req[0] + 0x40}
	case uds.ServiceECUReset:
		m.stopped = true
		return []byte{req[0] + 0x40, req[1]}
	default:
		m.t.Fatalf("mockECU: unexpected service x%02x", req[0])
		return nil
	}
}

// newCandidate returns a candidate image and the matching stock image it
// was derived from: one byte is modified in each of the first two
// ValidatedMap entries (spec.md §8 scenario 1, "two zones modified"), and
// the zone CRCs are then refreshed, which also rewrites the CRC slot bytes.
func newCandidate(t *testing.T, v calibration.Variant) (candidate, stock []byte) {
	t.Helper()
	stock = bytesFilled(v.ImageSize, 0x42)
	candidate = append([]byte(nil), stock...)
	candidate[v.Validated[0].Start] = 0x7A
	candidate[v.Validated[1].Start] = 0x7B
	require.NoError(t, calibration.RefreshAllCRCs(candidate, v))
	return candidate, stock
}

func newOrchestratorFixture(t *testing.T) (*flash.FlashSession, *mockECU, calibration.Variant) {
	t.Helper()
	v, err := calibration.Lookup("MSD80")
	require.NoError(t, err)

	busA, busB := virtual.NewPair()
	testerISO := isotp.NewSession(busA, 0x612, 0x613, isotp.Config{})
	ecuISO := isotp.NewSession(busB, 0x613, 0x612, isotp.Config{})

	client := uds.NewClient(testerISO, uds.Config{
		P2:             200 * time.Millisecond,
		P2Star:         300 * time.Millisecond,
		LockoutBackoff: 10 * time.Millisecond,
		KeepAlive:      50 * time.Millisecond,
	})
	session := flash.NewSession(client, v)
	ecu := newMockECU(t, ecuISO, v)
	t.Cleanup(client.StopKeepAlive)
	return session, ecu, v
}

func TestRunHappyPath(t *testing.T) {
	session, ecu, v := newOrchestratorFixture(t)
	go ecu.serve()

	candidate, stock := newCandidate(t, v)
	err := flash.Run(session, flash.RunOptions{
		Candidate:       candidate,
		StockImage:      stock,
		BackupStorePath: t.TempDir(),
		BackupTimestamp: "2026-07-31T00-00-00Z",
		AckWarnings:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, flash.PhaseFinalized, session.Phase)
	require.NotNil(t, session.BackupRef)
}

func TestRunVerifyMismatchRollsBack(t *testing.T) {
	session, ecu, v := newOrchestratorFixture(t)
	ecu.corruptOnce = int(v.CalibrationStart) + 10
	go ecu.serve()

	candidate, stock := newCandidate(t, v)
	err := flash.Run(session, flash.RunOptions{
		Candidate:       candidate,
		StockImage:      stock,
		BackupStorePath: t.TempDir(),
		BackupTimestamp: "2026-07-31T00-00-01Z",
		AckWarnings:     true,
	})
	require.Error(t, err)
	var mismatch *flash.VerifyMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.True(t, mismatch.RolledBack)
	assert.Equal(t, ecu.corruptOnce, mismatch.Offset)
	assert.Equal(t, flash.ExitTransferRolledBack, mismatch.ExitCode())
}

func TestRunRejectsAllFFWithNoBusTraffic(t *testing.T) {
	session, _, v := newOrchestratorFixture(t)
	// Deliberately never start ecu.serve(): any bus call would hang until
	// the client's P2 timeout, which would fail the test via deadline.
	candidate := make([]byte, v.ImageSize)
	for i := range candidate {
		candidate[i] = 0xFF
	}

	err := flash.Run(session, flash.RunOptions{
		Candidate:       candidate,
		BackupStorePath: t.TempDir(),
		BackupTimestamp: "2026-07-31T00-00-02Z",
	})
	require.Error(t, err)
	var refused *flash.ValidationRefused
	require.ErrorAs(t, err, &refused)
	assert.Equal(t, "all-0xff", refused.Layer)
}

func TestRunRejectsForbiddenRegionDiffWithNoBusTraffic(t *testing.T) {
	session, _, v := newOrchestratorFixture(t)
	candidate := make([]byte, v.ImageSize)
	for i := range candidate {
		candidate[i] = 0x42
	}
	candidate[v.Forbidden[0].Start] = 0x01

	err := flash.Run(session, flash.RunOptions{
		Candidate:       candidate,
		StockImage:      bytesFilled(v.ImageSize, 0x42),
		BackupStorePath: t.TempDir(),
		BackupTimestamp: "2026-07-31T00-00-03Z",
	})
	require.Error(t, err)
	var refused *flash.ValidationRefused
	require.ErrorAs(t, err, &refused)
	assert.Equal(t, "forbidden-region", refused.Layer)
}

func bytesFilled(n uint32, b byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
