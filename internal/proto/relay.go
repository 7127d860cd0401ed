package proto

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Relay operations.
const (
	OpWrite     = "write"
	OpRead      = "read"
	OpList      = "list"
	OpSubscribe = "subscribe"
	OpPing      = "ping"
)

// RelayRequest is one client frame. Subscribe keeps its stream open and
// receives a RelayResponse per child.
type RelayRequest struct {
	Op     string `cbor:"op"`
	Path   string `cbor:"path,omitempty"`
	Value  []byte `cbor:"value,omitempty"`
	Prefix string `cbor:"prefix,omitempty"`
}

type RelayResponse struct {
	OK      bool              `cbor:"ok"`
	Err     string            `cbor:"err,omitempty"`
	Found   bool              `cbor:"found,omitempty"`
	Path    string            `cbor:"path,omitempty"`
	Value   []byte            `cbor:"value,omitempty"`
	Entries map[string][]byte `cbor:"entries,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("proto: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		MaxMapPairs:    1 << 20,
	}.DecMode()
	if err != nil {
		panic("proto: CBOR decoder initialization failed: " + err.Error())
	}
}

func EncodeRelay(v any) ([]byte, error) { return encMode.Marshal(v) }

func DecodeRelay(b []byte, v any) error { return decMode.Unmarshal(b, v) }

// WriteRelay writes v as one CBOR frame.
func WriteRelay(w io.Writer, v any) error {
	b, err := EncodeRelay(v)
	if err != nil {
		return err
	}
	return WriteFrame(w, b)
}

// ReadRelay reads one CBOR frame of at most max bytes into v.
func ReadRelay(r io.Reader, max int, v any) error {
	b, err := ReadFrameMax(r, max)
	if err != nil {
		return err
	}
	return DecodeRelay(b, v)
}
