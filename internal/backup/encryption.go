package backup

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// EncryptedExtension is appended to artifacts encrypted for shipping
const EncryptedExtension = ".enc"

// Encrypted artifact layout:
//
//	magic | key mode | salt | nonce prefix
//	then chunks of: flag | uint32 sealed length | AES-256-GCM sealed chunk
//
// Each chunk nonce is the prefix followed by the big-endian chunk counter.
// The header and chunk flag are authenticated, so reordering, truncation and
// key-mode swaps fail to decrypt.
const (
	encryptionMagic     = "MSRENC1\n"
	encryptionChunkSize = 64 * 1024
	pbkdf2Iterations    = 100000
	encryptionKeySize   = 32
	saltSize            = 16
	noncePrefixSize     = 8
	headerSize          = len(encryptionMagic) + 1 + saltSize + noncePrefixSize

	keyModeRaw        byte = 1
	keyModePassphrase byte = 2

	chunkMore  byte = 0
	chunkFinal byte = 1
)

// EncryptionSettings selects artifact encryption for shipping. Exactly one of
// KeyFile and Passphrase is used.
type EncryptionSettings struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// KeyFile holds a 256-bit key as 64 hex characters or 32 raw bytes.
	KeyFile string `yaml:"key_file,omitempty" mapstructure:"key_file"`
	// Passphrase is usually supplied through MSSQL_RECOVERY_ENCRYPTION_PASSPHRASE.
	Passphrase string `yaml:"passphrase,omitempty" mapstructure:"passphrase"`
}

// Validate checks that an enabled configuration names its key material
func (s EncryptionSettings) Validate() error {
	if !s.Enabled {
		return nil
	}
	var errs ValidationErrors
	switch {
	case s.KeyFile == "" && s.Passphrase == "":
		errs.Add("encryption", "key_file or passphrase is required when encryption is enabled", nil)
	case s.KeyFile != "" && s.Passphrase != "":
		errs.Add("encryption", "key_file and passphrase are mutually exclusive", nil)
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// EncryptionStats describes one encrypted artifact
type EncryptionStats struct {
	OriginalSize  int64         `json:"original_size"`
	EncryptedSize int64         `json:"encrypted_size"`
	Algorithm     string        `json:"algorithm"`
	KeyDerivation string        `json:"key_derivation"`
	Duration      time.Duration `json:"duration"`
}

// Encryptor encrypts and decrypts artifacts with AES-256-GCM
type Encryptor struct {
	key        []byte
	passphrase string
}

// NewEncryptor loads the key material named by settings
func NewEncryptor(settings EncryptionSettings) (*Encryptor, error) {
	if settings.KeyFile != "" {
		key, err := LoadKeyFile(settings.KeyFile)
		if err != nil {
			return nil, err
		}
		return &Encryptor{key: key}, nil
	}
	if settings.Passphrase != "" {
		return &Encryptor{passphrase: settings.Passphrase}, nil
	}
	return nil, NewConfigurationError("encryption needs a key file or a passphrase", nil)
}

// NewPassphraseEncryptor derives a key per artifact from passphrase
func NewPassphraseEncryptor(passphrase string) *Encryptor {
	return &Encryptor{passphrase: passphrase}
}

// GenerateKeyFile writes a new random key as hex, refusing to replace an
// existing file unless force is set
func GenerateKeyFile(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return NewValidationError(fmt.Sprintf("key file %s already exists", path), nil)
	}
	key := make([]byte, encryptionKeySize)
	if _, err := rand.Read(key); err != nil {
		return NewEncryptionError("failed to generate encryption key", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return NewEncryptionError("failed to create key directory", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0600); err != nil {
		return NewEncryptionError("failed to write key file", err)
	}
	return nil
}

// LoadKeyFile reads a key written by GenerateKeyFile or a raw 32-byte key
func LoadKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigurationError(fmt.Sprintf("failed to read key file %s", path), err)
	}
	if len(data) == encryptionKeySize {
		return data, nil
	}
	text := strings.TrimSpace(string(data))
	if len(text) == hex.EncodedLen(encryptionKeySize) {
		if key, err := hex.DecodeString(text); err == nil {
			return key, nil
		}
	}
	return nil, NewConfigurationError(fmt.Sprintf("key file %s must hold a 256-bit key", path), nil)
}

// IsEncrypted reports whether path carries the encrypted extension
func IsEncrypted(path string) bool {
	return strings.EqualFold(filepath.Ext(path), EncryptedExtension)
}

// StripEncryptionExtension removes the encrypted extension
func StripEncryptionExtension(path string) string {
	if !IsEncrypted(path) {
		return path
	}
	return strings.TrimSuffix(path, filepath.Ext(path))
}

// ArtifactBase removes shipping extensions, giving the path the backup was
// written to and its sidecar is named after
func ArtifactBase(path string) string {
	return StripCompressionExtension(StripEncryptionExtension(path))
}

func (e *Encryptor) keyDerivation() string {
	if e.key != nil {
		return "key-file"
	}
	return "pbkdf2-sha256"
}

func (e *Encryptor) deriveKey(mode byte, salt []byte) ([]byte, error) {
	switch mode {
	case keyModeRaw:
		if e.key == nil {
			return nil, NewConfigurationError("artifact was encrypted with a key file but none is configured", nil)
		}
		return e.key, nil
	case keyModePassphrase:
		if e.passphrase == "" {
			return nil, NewConfigurationError("artifact was encrypted with a passphrase but none is configured", nil)
		}
		return pbkdf2.Key([]byte(e.passphrase), salt, pbkdf2Iterations, encryptionKeySize, sha256.New), nil
	default:
		return nil, NewEncryptionError(fmt.Sprintf("unknown key mode %d", mode), ErrDecryptionFailed)
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, NewEncryptionError("failed to create AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, NewEncryptionError("failed to create GCM cipher", err)
	}
	return gcm, nil
}

func chunkNonce(prefix []byte, counter uint32) []byte {
	nonce := make([]byte, noncePrefixSize+4)
	copy(nonce, prefix)
	binary.BigEndian.PutUint32(nonce[noncePrefixSize:], counter)
	return nonce
}

func chunkAAD(header []byte, flag byte) []byte {
	aad := make([]byte, len(header)+1)
	copy(aad, header)
	aad[len(header)] = flag
	return aad
}

// Encrypt reads plaintext from r and writes the encrypted stream to w,
// returning the number of plaintext bytes
func (e *Encryptor) Encrypt(w io.Writer, r io.Reader) (int64, error) {
	header := make([]byte, headerSize)
	copy(header, encryptionMagic)
	mode := keyModePassphrase
	if e.key != nil {
		mode = keyModeRaw
	}
	header[len(encryptionMagic)] = mode
	salt := header[len(encryptionMagic)+1 : len(encryptionMagic)+1+saltSize]
	prefix := header[len(encryptionMagic)+1+saltSize:]
	if _, err := rand.Read(header[len(encryptionMagic)+1:]); err != nil {
		return 0, NewEncryptionError("failed to generate salt", err)
	}

	key, err := e.deriveKey(mode, salt)
	if err != nil {
		return 0, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return 0, err
	}
	if _, err := w.Write(header); err != nil {
		return 0, NewEncryptionError("failed to write encrypted artifact", err)
	}

	br := bufio.NewReaderSize(r, encryptionChunkSize)
	buf := make([]byte, encryptionChunkSize)
	var total int64
	for counter := uint32(0); ; counter++ {
		n, err := io.ReadFull(br, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return total, NewEncryptionError("failed to read artifact", err)
		}
		final := err != nil
		if !final {
			if _, perr := br.Peek(1); perr == io.EOF {
				final = true
			} else if perr != nil {
				return total, NewEncryptionError("failed to read artifact", perr)
			}
		}

		flag := chunkMore
		if final {
			flag = chunkFinal
		}
		sealed := gcm.Seal(nil, chunkNonce(prefix, counter), buf[:n], chunkAAD(header, flag))
		frame := make([]byte, 5, 5+len(sealed))
		frame[0] = flag
		binary.BigEndian.PutUint32(frame[1:], uint32(len(sealed)))
		if _, err := w.Write(append(frame, sealed...)); err != nil {
			return total, NewEncryptionError("failed to write encrypted artifact", err)
		}
		total += int64(n)

		if final {
			return total, nil
		}
		if counter == ^uint32(0) {
			return total, NewEncryptionError("artifact too large to encrypt", nil)
		}
	}
}

// Decrypt reads an encrypted stream from r and writes the plaintext to w
func (e *Encryptor) Decrypt(w io.Writer, r io.Reader) error {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return NewEncryptionError("encrypted artifact header is truncated", ErrDecryptionFailed)
	}
	if string(header[:len(encryptionMagic)]) != encryptionMagic {
		return NewEncryptionError("not an encrypted artifact", ErrDecryptionFailed)
	}
	mode := header[len(encryptionMagic)]
	salt := header[len(encryptionMagic)+1 : len(encryptionMagic)+1+saltSize]
	prefix := header[len(encryptionMagic)+1+saltSize:]

	key, err := e.deriveKey(mode, salt)
	if err != nil {
		return err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return err
	}

	maxSealed := uint32(encryptionChunkSize + gcm.Overhead())
	frame := make([]byte, 5)
	for counter := uint32(0); ; counter++ {
		if _, err := io.ReadFull(r, frame); err != nil {
			return NewEncryptionError("encrypted artifact is truncated", ErrDecryptionFailed)
		}
		flag := frame[0]
		size := binary.BigEndian.Uint32(frame[1:])
		if (flag != chunkMore && flag != chunkFinal) || size > maxSealed {
			return NewEncryptionError("encrypted artifact is corrupted", ErrDecryptionFailed)
		}

		sealed := make([]byte, size)
		if _, err := io.ReadFull(r, sealed); err != nil {
			return NewEncryptionError("encrypted artifact is truncated", ErrDecryptionFailed)
		}
		plain, err := gcm.Open(nil, chunkNonce(prefix, counter), sealed, chunkAAD(header, flag))
		if err != nil {
			return NewEncryptionError("failed to decrypt artifact", ErrDecryptionFailed)
		}
		if _, err := w.Write(plain); err != nil {
			return NewEncryptionError("failed to write decrypted artifact", err)
		}

		if flag == chunkFinal {
			var extra [1]byte
			if n, _ := r.Read(extra[:]); n > 0 {
				return NewEncryptionError("encrypted artifact has trailing data", ErrDecryptionFailed)
			}
			return nil
		}
	}
}

// EncryptFile encrypts src into dst
func (e *Encryptor) EncryptFile(src, dst string) (*EncryptionStats, error) {
	start := time.Now()
	in, err := os.Open(src)
	if err != nil {
		return nil, NewEncryptionError("failed to open artifact", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, NewEncryptionError("failed to create encrypted artifact", err)
	}
	counter := &countingWriter{w: out}
	size, err := e.Encrypt(counter, in)
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = NewEncryptionError("failed to close encrypted artifact", closeErr)
	}
	if err != nil {
		os.Remove(dst)
		return nil, err
	}

	return &EncryptionStats{
		OriginalSize:  size,
		EncryptedSize: counter.n,
		Algorithm:     "AES-256-GCM",
		KeyDerivation: e.keyDerivation(),
		Duration:      time.Since(start),
	}, nil
}

// DecryptFile decrypts src into dst, removing dst on failure
func (e *Encryptor) DecryptFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return NewEncryptionError("failed to open encrypted artifact", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return NewEncryptionError("failed to create decrypted artifact", err)
	}
	bw := bufio.NewWriter(out)
	err = e.Decrypt(bw, bufio.NewReader(in))
	if err == nil {
		if flushErr := bw.Flush(); flushErr != nil {
			err = NewEncryptionError("failed to write decrypted artifact", flushErr)
		}
	}
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = NewEncryptionError("failed to close decrypted artifact", closeErr)
	}
	if err != nil {
		os.Remove(dst)
		return err
	}
	return nil
}

// IsDecryptionFailure reports whether err means the key was wrong or the
// artifact was damaged
func IsDecryptionFailure(err error) bool {
	return errors.Is(err, ErrDecryptionFailed)
}
