package flash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Backup is an immutable, hash-verified snapshot of a controller's
// calibration region, written to durable storage before any erase
// (spec.md §3, §6). Backups are append-only: the filename encodes
// timestamp and variant, so a second backup never overwrites the first.
type Backup struct {
	Variant     string `json:"variant"`
	Timestamp   string `json:"timestamp"` // RFC3339, passed in by the caller
	SHA256      string `json:"sha256"`
	Size        int    `json:"size"`
	SourceECUID string `json:"source_ecu_id"` // Run fills this with the FlashSession ID; the controller's own identification is not read
	ImagePath   string `json:"-"`
	SidecarPath string `json:"-"`
}

// WriteBackup hashes data, writes it to
// "<storePath>/backup-<variant>-<timestamp>.bin" and a JSON sidecar
// carrying {variant, timestamp, sha256, size, source_ecu_id}, and verifies
// the written bytes hash to the same digest before returning. The
// FlashSession must not advance past Phase B unless this succeeds
// (spec.md §3 Backup invariant).
func WriteBackup(storePath, variant, timestamp, sourceECUID string, data []byte) (*Backup, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	base := fmt.Sprintf("backup-%s-%s", variant, timestamp)
	imagePath := filepath.Join(storePath, base+".bin")
	sidecarPath := filepath.Join(storePath, base+".json")

	if err := os.MkdirAll(storePath, 0o755); err != nil {
		return nil, fmt.Errorf("flash: create backup store %s: %w", storePath, err)
	}
	// O_EXCL: backups are append-only, never overwritten.
	f, err := os.OpenFile(imagePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("flash: create backup image %s: %w", imagePath, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("flash: write backup image %s: %w", imagePath, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("flash: close backup image %s: %w", imagePath, err)
	}

	b := &Backup{
		Variant:     variant,
		Timestamp:   timestamp,
		SHA256:      digest,
		Size:        len(data),
		SourceECUID: sourceECUID,
		ImagePath:   imagePath,
		SidecarPath: sidecarPath,
	}

	sidecar, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("flash: marshal backup sidecar: %w", err)
	}
	if err := os.WriteFile(sidecarPath, sidecar, 0o644); err != nil {
		return nil, fmt.Errorf("flash: write backup sidecar %s: %w", sidecarPath, err)
	}

	if err := b.Verify(); err != nil {
		return nil, err
	}
	return b, nil
}

// Verify re-reads the backup image from disk and confirms its sha256
// still matches the recorded digest.
func (b *Backup) Verify() error {
	data, err := os.ReadFile(b.ImagePath)
	if err != nil {
		return fmt.Errorf("flash: re-read backup image %s: %w", b.ImagePath, err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != b.SHA256 {
		return fmt.Errorf("flash: backup image %s failed hash verification", b.ImagePath)
	}
	return nil
}
