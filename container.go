package strongroom

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

const (
	// MagicBytes identifies vault containers (ASCII: "SROM")
	MagicBytes = uint32(0x53524F4D)

	// CurrentVersion is the current container format version
	CurrentVersion = uint8(1)

	// BodyIVSize is the size of the body IV. The same 12 bytes serve as the
	// AEAD nonce wrapping the file key under the master key and as the
	// counter base of the body keystream under the file key. The two uses
	// involve different keys, which is what makes the sharing safe; rotation
	// must preserve this IV byte-for-byte or the body becomes undecryptable.
	BodyIVSize = 12

	// ContainerHeaderSize is the fixed portion of the header:
	// magic(4) + version(1) + body IV(12) + wrapped FEK(60) + meta length(4)
	ContainerHeaderSize = 4 + 1 + BodyIVSize + WrappedKeySize + 4

	// maxMetadataSize bounds the encrypted metadata blob so a corrupt length
	// field cannot trigger a huge allocation
	maxMetadataSize = 1 << 20

	// ContainerExt is the on-disk extension for containers
	ContainerExt = ".srom"
)

// Metadata is the user-visible description of an encrypted file. It is
// stored inside the container AEAD-sealed under the master key, never in the
// on-disk filename.
type Metadata struct {
	Name     string    `json:"name"`
	MIME     string    `json:"mime,omitempty"`
	Modified time.Time `json:"modified"`
}

// ContainerHeader represents the header of an encrypted container:
//
//	MAGIC(4) | VERSION(1) | BODY_IV(12) | WRAPPED_FEK(60) | META_LEN(4) | ENC_META | BODY
//
// The header is a few hundred bytes; reading it never touches the body.
type ContainerHeader struct {
	Magic      uint32               // Magic bytes identifying vault containers
	Version    uint8                // Container format version
	BodyIV     [BodyIVSize]byte     // Shared wrap nonce and body keystream base
	WrappedFEK [WrappedKeySize]byte // File key wrapped under the master key
	EncMeta    []byte               // Metadata sealed under the master key
}

// NewContainerName returns an opaque random on-disk name for a new
// container. The user-visible name lives only in the sealed metadata, so
// external observers (including cloud-sync targets receiving the container
// verbatim) learn nothing from directory listings.
func NewContainerName() string {
	return uuid.NewString() + ContainerExt
}

// Size returns the total size of the header in bytes
func (h *ContainerHeader) Size() int {
	return ContainerHeaderSize + len(h.EncMeta)
}

// WriteTo writes the header to the given writer
func (h *ContainerHeader) WriteTo(w io.Writer) (int64, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h.Magic); err != nil {
		return 0, fmt.Errorf("failed to write magic bytes: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, h.Version); err != nil {
		return 0, fmt.Errorf("failed to write version: %w", err)
	}
	if _, err := buf.Write(h.BodyIV[:]); err != nil {
		return 0, fmt.Errorf("failed to write body IV: %w", err)
	}
	if _, err := buf.Write(h.WrappedFEK[:]); err != nil {
		return 0, fmt.Errorf("failed to write wrapped file key: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(h.EncMeta))); err != nil {
		return 0, fmt.Errorf("failed to write metadata length: %w", err)
	}
	if _, err := buf.Write(h.EncMeta); err != nil {
		return 0, fmt.Errorf("failed to write encrypted metadata: %w", err)
	}

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// ReadFrom reads the header from the given reader. The reader is left
// positioned at the first body byte.
func (h *ContainerHeader) ReadFrom(r io.Reader) (int64, error) {
	var totalRead int64

	if err := binary.Read(r, binary.LittleEndian, &h.Magic); err != nil {
		return totalRead, fmt.Errorf("failed to read magic bytes: %w", err)
	}
	totalRead += 4

	if h.Magic != MagicBytes {
		return totalRead, ErrInvalidHeader
	}

	if err := binary.Read(r, binary.LittleEndian, &h.Version); err != nil {
		return totalRead, fmt.Errorf("failed to read version: %w", err)
	}
	totalRead += 1

	if h.Version > CurrentVersion {
		return totalRead, ErrUnsupportedVersion
	}

	n, err := io.ReadFull(r, h.BodyIV[:])
	totalRead += int64(n)
	if err != nil {
		return totalRead, fmt.Errorf("failed to read body IV: %w", err)
	}

	n, err = io.ReadFull(r, h.WrappedFEK[:])
	totalRead += int64(n)
	if err != nil {
		return totalRead, fmt.Errorf("failed to read wrapped file key: %w", err)
	}

	var metaLen uint32
	if err := binary.Read(r, binary.LittleEndian, &metaLen); err != nil {
		return totalRead, fmt.Errorf("failed to read metadata length: %w", err)
	}
	totalRead += 4

	if metaLen > maxMetadataSize {
		return totalRead, fmt.Errorf("%w: metadata length %d exceeds limit", ErrInvalidHeader, metaLen)
	}

	h.EncMeta = make([]byte, metaLen)
	n, err = io.ReadFull(r, h.EncMeta)
	totalRead += int64(n)
	if err != nil {
		return totalRead, fmt.Errorf("failed to read encrypted metadata: %w", err)
	}

	return totalRead, nil
}

// Validate checks if the header is valid
func (h *ContainerHeader) Validate() error {
	if h.Magic != MagicBytes {
		return ErrInvalidHeader
	}
	if h.Version > CurrentVersion {
		return ErrUnsupportedVersion
	}
	if len(h.EncMeta) == 0 {
		return fmt.Errorf("%w: missing encrypted metadata", ErrInvalidHeader)
	}
	return nil
}

// UnwrapFileKey unwraps the container's file key with the given master key.
// Returns ErrAuthFailed when the master key is wrong or the header was
// tampered with.
func (h *ContainerHeader) UnwrapFileKey(suite CipherSuite, masterKey []byte) ([]byte, error) {
	return UnwrapKey(suite, masterKey, h.WrappedFEK[:], nil)
}

// sealMetadata seals metadata under the master key with a fresh random IV.
// The body IV is bound in as associated data so a header cannot be stitched
// together from two containers.
func sealMetadata(suite CipherSuite, masterKey []byte, md *Metadata, bodyIV [BodyIVSize]byte) ([]byte, error) {
	plaintext, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return Seal(suite, masterKey, plaintext, nil, bodyIV[:])
}

// openMetadata opens metadata sealed by sealMetadata.
func openMetadata(suite CipherSuite, masterKey []byte, encMeta []byte, bodyIV [BodyIVSize]byte) (*Metadata, error) {
	plaintext, err := Open(suite, masterKey, encMeta, bodyIV[:])
	if err != nil {
		return nil, err
	}
	var md Metadata
	if err := json.Unmarshal(plaintext, &md); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return &md, nil
}

// newContainerHeader assembles a header for a fresh container: random body
// IV, the file key wrapped under the master key using that same IV, and the
// metadata sealed under the master key.
func newContainerHeader(suite CipherSuite, masterKey, fileKey []byte, md *Metadata) (*ContainerHeader, error) {
	h := &ContainerHeader{
		Magic:   MagicBytes,
		Version: CurrentVersion,
	}
	if _, err := rand.Read(h.BodyIV[:]); err != nil {
		return nil, fmt.Errorf("failed to generate body IV: %w", err)
	}

	wrapped, err := WrapKey(suite, masterKey, fileKey, h.BodyIV[:], nil)
	if err != nil {
		return nil, err
	}
	copy(h.WrappedFEK[:], wrapped)

	encMeta, err := sealMetadata(suite, masterKey, md, h.BodyIV)
	if err != nil {
		return nil, err
	}
	h.EncMeta = encMeta
	return h, nil
}
