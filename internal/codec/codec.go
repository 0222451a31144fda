package codec

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/doomervibe/fleuve/internal/workflow"
)

// zstdPrefix marks compressed payloads so decode works regardless of the
// current compression setting.
var zstdPrefix = []byte("zstd:")

// Options configure body encoding.
type Options struct {
	// Compression enables zstd for newly written bodies.
	Compression bool
	// EncryptionKey seals bodies with XChaCha20-Poly1305 when non-empty.
	// The key is derived as SHA-256 of the string. Reads require the
	// same key that wrote the data.
	EncryptionKey string
}

// Codec turns events, commands, and states into stored bytes and back.
type Codec struct {
	reg  *Registry
	opts Options
	aead cipher.AEAD
	zw   *zstd.Encoder
	zr   *zstd.Decoder
}

// New builds a codec over the registry. With zero Options bodies are
// plain JSON.
func New(reg *Registry, opts Options) (*Codec, error) {
	c := &Codec{reg: reg, opts: opts}
	if opts.EncryptionKey != "" {
		key := sha256.Sum256([]byte(opts.EncryptionKey))
		aead, err := chacha20poly1305.NewX(key[:])
		if err != nil {
			return nil, fmt.Errorf("init cipher: %w", err)
		}
		c.aead = aead
	}
	var err error
	if c.zw, err = zstd.NewWriter(nil); err != nil {
		return nil, fmt.Errorf("init zstd writer: %w", err)
	}
	if c.zr, err = zstd.NewReader(nil); err != nil {
		return nil, fmt.Errorf("init zstd reader: %w", err)
	}
	return c, nil
}

// Registry returns the codec's type registry.
func (c *Codec) Registry() *Registry { return c.reg }

// Seal applies compression and encryption to a plain JSON body.
func (c *Codec) Seal(plain []byte) ([]byte, error) {
	out := plain
	if c.opts.Compression {
		out = append(append([]byte{}, zstdPrefix...), c.zw.EncodeAll(plain, nil)...)
	}
	if c.aead != nil {
		nonce := make([]byte, c.aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("nonce: %w", err)
		}
		out = c.aead.Seal(nonce, nonce, out, nil)
	}
	return out, nil
}

// Open reverses Seal. Compression is detected from the payload prefix,
// so previously compressed rows stay readable after the setting changes.
func (c *Codec) Open(sealed []byte) ([]byte, error) {
	out := sealed
	if c.aead != nil {
		ns := c.aead.NonceSize()
		if len(out) < ns {
			return nil, fmt.Errorf("sealed body too short: %d bytes", len(out))
		}
		plain, err := c.aead.Open(nil, out[:ns], out[ns:], nil)
		if err != nil {
			return nil, fmt.Errorf("decrypt body: %w", err)
		}
		out = plain
	}
	if bytes.HasPrefix(out, zstdPrefix) {
		plain, err := c.zr.DecodeAll(out[len(zstdPrefix):], nil)
		if err != nil {
			return nil, fmt.Errorf("decompress body: %w", err)
		}
		out = plain
	}
	return out, nil
}

// EncodeEvent serializes an event body for storage.
func (c *Codec) EncodeEvent(e workflow.Event) ([]byte, error) {
	plain, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event %q: %w", e.EventType(), err)
	}
	return c.Seal(plain)
}

// DecodeEvent opens a stored body and unmarshals it into the registered
// type for eventType. When the stored schema version is older than the
// definition's and the definition implements workflow.Upcaster, the
// plain body is migrated first. A missing upcaster leaves the body
// untouched, matching definitions that keep old fields readable.
func (c *Codec) DecodeEvent(def workflow.Definition, eventType string, schemaVersion int, body []byte) (workflow.Event, error) {
	plain, err := c.Open(body)
	if err != nil {
		return nil, err
	}
	if def != nil && schemaVersion < def.SchemaVersion() {
		if up, ok := def.(workflow.Upcaster); ok {
			plain, err = up.Upcast(eventType, schemaVersion, plain)
			if err != nil {
				return nil, fmt.Errorf("%w: %s v%d: %v", workflow.ErrSchemaUpcast, eventType, schemaVersion, err)
			}
		}
	}
	t, err := c.reg.eventType(eventType)
	if err != nil {
		return nil, err
	}
	return unmarshalAs[workflow.Event](t, plain, eventType)
}

// DecodeCommand unmarshals a command body by its type tag. Bodies here
// are plain JSON; commands never pass through Seal.
func (c *Codec) DecodeCommand(cmdType string, body []byte) (workflow.Command, error) {
	t, err := c.reg.commandType(cmdType)
	if err != nil {
		return nil, err
	}
	return unmarshalAs[workflow.Command](t, body, cmdType)
}

// EncodeState serializes a state for snapshot storage.
func (c *Codec) EncodeState(s workflow.State) ([]byte, error) {
	plain, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return c.Seal(plain)
}

// DecodeState opens a snapshot body into the registered state type for
// the workflow. States decode as pointers.
func (c *Codec) DecodeState(workflowType string, body []byte) (workflow.State, error) {
	plain, err := c.Open(body)
	if err != nil {
		return nil, err
	}
	t, err := c.reg.stateType(workflowType)
	if err != nil {
		return nil, err
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(plain, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("unmarshal state for %q: %w", workflowType, err)
	}
	s, ok := ptr.Interface().(workflow.State)
	if !ok {
		return nil, fmt.Errorf("registered state %v for %q does not implement State", t, workflowType)
	}
	return s, nil
}

// unmarshalAs decodes plain JSON into a fresh value of t, returning it
// as I. Value types are preferred; pointer-receiver implementations are
// returned as pointers.
func unmarshalAs[I any](t reflect.Type, plain []byte, tag string) (I, error) {
	var zero I
	ptr := reflect.New(t)
	if err := json.Unmarshal(plain, ptr.Interface()); err != nil {
		return zero, fmt.Errorf("unmarshal %q: %w", tag, err)
	}
	if v, ok := ptr.Elem().Interface().(I); ok {
		return v, nil
	}
	if v, ok := ptr.Interface().(I); ok {
		return v, nil
	}
	return zero, fmt.Errorf("registered type %v for %q does not implement the expected interface", t, tag)
}
