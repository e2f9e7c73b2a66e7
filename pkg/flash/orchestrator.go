package flash

import (
	"bytes"
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/openflash/n54ecu/pkg/calibration"
	"github.com/openflash/n54ecu/pkg/uds"
)

// readChunkSize is the controller-side buffer limit honoured for both
// ReadMemoryByAddress and TransferData (spec.md §4.2 "Transfer cap").
const readChunkSize = 512

// RunOptions parameterises one orchestrator pass (spec.md §4.5).
type RunOptions struct {
	Candidate       []byte
	StockImage      []byte // last known good image for diffing, may be nil
	BackupStorePath string
	BackupTimestamp string // caller-supplied RFC3339 stamp, see OpLog's determinism note
	AckWarnings     bool
	Metrics         *Metrics // optional
	OpLog           *OpLog   // optional
}

// Run drives a FlashSession through Phases A-G. The returned error, if
// any, implements an ExitCode() method per spec.md §6, except the plain
// error returned when the session is cancelled.
func Run(session *FlashSession, opts RunOptions) error {
	if err := phaseA(session, opts); err != nil {
		return err
	}
	if session.isCancelled() {
		return session.abort("cancelled after phase A")
	}
	if err := phaseB(session, opts); err != nil {
		return &ConnectFailure{Cause: err}
	}
	if session.isCancelled() {
		return session.abort("cancelled after phase B")
	}
	if err := phaseC(session, opts); err != nil {
		return err
	}
	if session.isCancelled() {
		return session.abort("cancelled after phase C")
	}
	if err := phaseD(session, opts); err != nil {
		return &ConnectFailure{Cause: err}
	}
	if session.isCancelled() {
		return session.abort("cancelled after phase D")
	}
	if err := phaseE(session, opts); err != nil {
		return err // VerifyMismatch and transfer errors already carry ExitCode; a cancellation error does not
	}
	if session.isCancelled() {
		return session.abort("cancelled after phase E")
	}
	if err := phaseF(session, opts); err != nil {
		return err
	}
	if session.isCancelled() {
		return session.abort("cancelled after phase F")
	}
	if err := phaseG(session, opts); err != nil {
		return &ConnectFailure{Cause: err}
	}
	session.setPhase(PhaseFinalized, "flash complete")
	if opts.Metrics != nil {
		opts.Metrics.SetPhase(PhaseFinalized)
	}
	return nil
}

// phaseA is the seven-layer pre-flash validator (spec.md §4.5 Phase A).
func phaseA(session *FlashSession, opts RunOptions) error {
	result, rej := calibration.Validate(opts.Candidate, opts.StockImage, session.Variant)
	if rej != nil {
		session.logEvent(opts, "validate", fmt.Sprintf("layer=%s: %s", rej.Layer, rej.Detail))
		return &ValidationRefused{Layer: rej.Layer, Detail: rej.Detail}
	}
	if len(result.Warnings) > 0 && !opts.AckWarnings {
		session.logEvent(opts, "validate", fmt.Sprintf("%d unacknowledged warnings", len(result.Warnings)))
		return &ValidationRefused{Layer: "warning-ack", Detail: fmt.Sprintf("%d warnings require explicit acknowledgement", len(result.Warnings))}
	}
	session.logEvent(opts, "validate", fmt.Sprintf("%d warnings acknowledged", len(result.Warnings)))
	return nil
}

// phaseB opens the session, unlocks, and takes a hash-verified backup of
// the calibration region before any erase (spec.md §4.5 Phase B).
func phaseB(session *FlashSession, opts RunOptions) error {
	if err := session.Client.DiagnosticSessionControl(context.Background()); err != nil {
		return fmt.Errorf("session control: %w", err)
	}
	session.setPhase(PhaseConnected, "programming session open")
	if opts.Metrics != nil {
		opts.Metrics.SetPhase(PhaseConnected)
	}

	if err := session.Client.SecurityAccess(); err != nil {
		if opts.Metrics != nil {
			opts.Metrics.SecurityFailures.Inc()
		}
		return fmt.Errorf("security access: %w", err)
	}
	session.setPhase(PhaseUnlocked, "security access granted")
	if opts.Metrics != nil {
		opts.Metrics.SetPhase(PhaseUnlocked)
	}

	v := session.Variant
	image := make([]byte, v.CalibrationSize)
	baseAddr := v.BaseAddr + v.CalibrationStart
	for offset := uint32(0); offset < v.CalibrationSize; offset += readChunkSize {
		n := uint16(min(readChunkSize, int(v.CalibrationSize-offset)))
		chunk, err := session.Client.ReadMemoryByAddress(baseAddr+offset, n)
		if err != nil {
			return fmt.Errorf("backup read at x%08x: %w", baseAddr+offset, err)
		}
		copy(image[offset:], chunk)
		session.progress(int(offset)+len(chunk), int(v.CalibrationSize))
	}

	backup, err := WriteBackup(opts.BackupStorePath, v.ID, opts.BackupTimestamp, session.ID, image)
	if err != nil {
		return fmt.Errorf("backup write: %w", err)
	}
	session.BackupRef = backup
	if opts.Metrics != nil {
		opts.Metrics.BackupBytes.Set(float64(len(image)))
	}
	session.logEvent(opts, "backup", fmt.Sprintf("%s sha256=%s", backup.ImagePath, backup.SHA256))
	return nil
}

// phaseC recomputes every zone CRC in the candidate and asserts the result
// verifies (spec.md §4.5 Phase C).
func phaseC(session *FlashSession, opts RunOptions) error {
	if err := calibration.RefreshAllCRCs(opts.Candidate, session.Variant); err != nil {
		return &InternalInvariant{Detail: fmt.Sprintf("refresh_all_crcs: %v", err)}
	}
	mismatches, err := calibration.VerifyAllCRCs(opts.Candidate, session.Variant)
	if err != nil {
		return &InternalInvariant{Detail: fmt.Sprintf("verify_all_crcs: %v", err)}
	}
	if len(mismatches) > 0 {
		return &InternalInvariant{Detail: fmt.Sprintf("verify_all_crcs found %d mismatches immediately after refresh_all_crcs", len(mismatches))}
	}
	session.logEvent(opts, "refresh", fmt.Sprintf("%d zones refreshed", len(session.Variant.ZoneMap)))
	return nil
}

// phaseD erases the calibration sectors (spec.md §4.5 Phase D).
func phaseD(session *FlashSession, opts RunOptions) error {
	if _, err := session.Client.RoutineControl(uds.RoutineIDFullErase); err != nil {
		return fmt.Errorf("erase routine: %w", err)
	}
	session.logEvent(opts, "erase", "erase routine completed")
	return nil
}

// phaseE streams the candidate's calibration window via RequestDownload /
// TransferData / RequestTransferExit (spec.md §4.5 Phase E). Cancellation
// is deferred until the current block completes.
func phaseE(session *FlashSession, opts RunOptions) error {
	v := session.Variant
	baseAddr := v.BaseAddr + v.CalibrationStart
	calImage := opts.Candidate[v.CalibrationStart : v.CalibrationStart+v.CalibrationSize]

	maxBlock, err := session.Client.RequestDownload(baseAddr, v.CalibrationSize)
	if err != nil {
		return &ConnectFailure{Cause: fmt.Errorf("request download: %w", err)}
	}
	blockPayload := readChunkSize
	if maxBlock > 0 && maxBlock < blockPayload {
		blockPayload = maxBlock
	}

	session.setPhase(PhaseProgramming, "transfer in progress")
	if opts.Metrics != nil {
		opts.Metrics.SetPhase(PhaseProgramming)
	}

	counter := byte(0x01)
	sent := 0
	for sent < len(calImage) {
		end := min(sent+blockPayload, len(calImage))
		chunk := calImage[sent:end]
		if err := session.Client.TransferData(counter, chunk); err != nil {
			return attemptRollback(session, opts, 0, fmt.Errorf("transfer data: %w", err))
		}
		sent = end
		session.progress(sent, len(calImage))
		if opts.Metrics != nil {
			opts.Metrics.BytesTransferred.Set(float64(sent))
		}
		counter++ // byte wraps 0xFF -> 0x00 naturally (spec.md §4.5 Phase E)
		if session.isCancelled() && sent < len(calImage) {
			// Cancellation between blocks is honoured once the in-flight
			// block above has completed; mid-block it is never observed.
			return session.abort("cancelled mid-transfer")
		}
	}

	if err := session.Client.RequestTransferExit(); err != nil {
		return attemptRollback(session, opts, 0, fmt.Errorf("request transfer exit: %w", err))
	}
	session.logEvent(opts, "write", fmt.Sprintf("%d bytes transferred", sent))
	return nil
}

// phaseF reads the calibration region back and compares it byte-for-byte
// against what was transmitted (spec.md §4.5 Phase F).
func phaseF(session *FlashSession, opts RunOptions) error {
	session.setPhase(PhaseVerifying, "readback verification")
	if opts.Metrics != nil {
		opts.Metrics.SetPhase(PhaseVerifying)
	}

	v := session.Variant
	baseAddr := v.BaseAddr + v.CalibrationStart
	calImage := opts.Candidate[v.CalibrationStart : v.CalibrationStart+v.CalibrationSize]

	for offset := uint32(0); offset < v.CalibrationSize; offset += readChunkSize {
		n := uint16(min(readChunkSize, int(v.CalibrationSize-offset)))
		got, err := session.Client.ReadMemoryByAddress(baseAddr+offset, n)
		if err != nil {
			return &ConnectFailure{Cause: fmt.Errorf("verify read at x%08x: %w", baseAddr+offset, err)}
		}
		want := calImage[offset : offset+uint32(n)]
		if !bytes.Equal(got, want) {
			mismatchOffset := int(v.CalibrationStart + offset)
			for i := range want {
				if got[i] != want[i] {
					mismatchOffset = int(v.CalibrationStart+offset) + i
					break
				}
			}
			return attemptRollback(session, opts, mismatchOffset, fmt.Errorf("readback mismatch"))
		}
	}
	session.logEvent(opts, "verify", "readback matches transmitted image")
	return nil
}

// phaseG runs the checksum-recalculation routine and resets the
// controller (spec.md §4.5 Phase G).
func phaseG(session *FlashSession, opts RunOptions) error {
	if _, err := session.Client.RoutineControl(uds.RoutineIDFullChecksum); err != nil {
		return fmt.Errorf("checksum routine: %w", err)
	}
	if err := session.Client.ECUReset(); err != nil {
		return fmt.Errorf("ecu reset: %w", err)
	}
	session.Client.StopKeepAlive()
	session.logEvent(opts, "finalize", "checksum routine and reset issued")
	return nil
}

// attemptRollback is the best-effort recovery path shared by Phase E and
// Phase F failures: re-open a download and push the Phase B backup back to
// the controller (spec.md §4.5 Phase F "attempt an immediate second
// RequestDownload to restore the backup").
func attemptRollback(session *FlashSession, opts RunOptions, offset int, cause error) error {
	log.Warnf("[FLASH][%s] %v, attempting rollback", session.ID, cause)
	if session.BackupRef == nil {
		return &VerifyMismatch{Offset: offset, RolledBack: false, RollbackErr: fmt.Errorf("no backup on session: %w", cause)}
	}

	v := session.Variant
	baseAddr := v.BaseAddr + v.CalibrationStart
	rollbackErr := func() error {
		backupImage, err := readBackupImage(session.BackupRef)
		if err != nil {
			return err
		}
		if _, err := session.Client.RequestDownload(baseAddr, v.CalibrationSize); err != nil {
			return fmt.Errorf("rollback request download: %w", err)
		}
		counter := byte(0x01)
		for sent := 0; sent < len(backupImage); {
			end := min(sent+readChunkSize, len(backupImage))
			if err := session.Client.TransferData(counter, backupImage[sent:end]); err != nil {
				return fmt.Errorf("rollback transfer data: %w", err)
			}
			sent = end
			counter++
		}
		return session.Client.RequestTransferExit()
	}()

	if rollbackErr != nil {
		return &VerifyMismatch{Offset: offset, RolledBack: false, RollbackErr: fmt.Errorf("%w (original: %v)", rollbackErr, cause)}
	}
	return &VerifyMismatch{Offset: offset, RolledBack: true}
}

func (s *FlashSession) logEvent(opts RunOptions, event, detail string) {
	log.Infof("[FLASH][%s][%s] %s", s.ID, event, detail)
	if opts.OpLog != nil {
		if err := opts.OpLog.Append(opts.BackupTimestamp, s.ID, s.Phase.String(), event, detail); err != nil {
			log.Warnf("[FLASH][%s] oplog write failed: %v", s.ID, err)
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func readBackupImage(b *Backup) ([]byte, error) {
	data, err := os.ReadFile(b.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("read backup image %s: %w", b.ImagePath, err)
	}
	return data, nil
}
