package strongroom

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
)

// DefaultStreamChunkSize is the buffer size of the cipher pipeline. Peak
// memory of a transfer is O(chunk size), independent of file size.
const DefaultStreamChunkSize = 8 * 1024

// bodyStream builds the body keystream: AES-256-CTR keyed by the file key
// with the counter initialized from the body IV. CTR is seekable and
// symmetric, so the same construction encrypts and decrypts.
func bodyStream(fileKey []byte, bodyIV [BodyIVSize]byte) (cipher.Stream, error) {
	if len(fileKey) != KeySize {
		return nil, fmt.Errorf("%w: file key must be %d bytes, got %d", ErrInvalidKey, KeySize, len(fileKey))
	}
	block, err := aes.NewCipher(fileKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create body cipher: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	copy(iv, bodyIV[:]) // low 4 bytes stay zero: the block counter
	return cipher.NewCTR(block, iv), nil
}

// EncryptStream returns a reader yielding the ciphertext of src's bytes
// under the file key and body IV. See newCipherPipe for the pipeline
// contract.
func EncryptStream(fileKey []byte, bodyIV [BodyIVSize]byte, src io.Reader) (io.ReadCloser, error) {
	stream, err := bodyStream(fileKey, bodyIV)
	if err != nil {
		return nil, err
	}
	return newCipherPipe(src, stream, DefaultStreamChunkSize), nil
}

// DecryptStream returns a reader yielding the plaintext of src's bytes
// under the file key and body IV.
func DecryptStream(fileKey []byte, bodyIV [BodyIVSize]byte, src io.Reader) (io.ReadCloser, error) {
	stream, err := bodyStream(fileKey, bodyIV)
	if err != nil {
		return nil, err
	}
	return newCipherPipe(src, stream, DefaultStreamChunkSize), nil
}

// newCipherPipe runs the cipher transform in a producer goroutine feeding an
// unbuffered pipe, and returns the consumer end. The pipe write blocks until
// the consumer reads, so the producer never works more than one chunk ahead
// (backpressure). Closing the returned reader unblocks and terminates the
// producer; a producer error surfaces as the consumer's read error rather
// than a silently truncated stream.
func newCipherPipe(src io.Reader, stream cipher.Stream, chunkSize int) io.ReadCloser {
	if chunkSize <= 0 {
		chunkSize = DefaultStreamChunkSize
	}
	pr, pw := io.Pipe()

	go func() {
		buf := make([]byte, chunkSize)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				stream.XORKeyStream(buf[:n], buf[:n])
				if _, werr := pw.Write(buf[:n]); werr != nil {
					// Consumer closed its end; stop producing.
					return
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					pw.Close()
				} else {
					pw.CloseWithError(err)
				}
				return
			}
		}
	}()

	return pr
}
