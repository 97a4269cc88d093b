package bt510

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/iotworks/blegw/internal/gwerr"
)

// Transport is the session surface the protocol engine drives. It is the
// write-then-wait primitive plus buffer access; *session.Session satisfies it.
type Transport interface {
	WriteWithoutResponse(ctx context.Context, data []byte, wait bool) error
	Drain() []byte
	StopCommunication()
	MTU() int
}

// Request is a JSON-RPC 2.0 request frame.
type Request struct {
	Jsonrpc string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      uint32      `json:"id"`
}

// ParseRequest decodes a serialized request frame.
func ParseRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, gwerr.Wrap(gwerr.DataParse, err, "malformed request frame")
	}
	return &req, nil
}

// RPCError is the JSON-RPC error member.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// Response is a decoded JSON-RPC response. The firmware answers in two
// shapes: the standard one with everything under "result", and a non-standard
// one where GET attributes appear as root-level keys alongside result:"ok".
// Extra collects those root-level keys in their wire order.
type Response struct {
	Jsonrpc string
	ID      uint32
	Result  json.RawMessage
	Error   *RPCError
	Extra   *orderedmap.OrderedMap[string, json.RawMessage]
}

// reserved root keys that never land in Extra.
func isReservedKey(k string) bool {
	switch k {
	case "jsonrpc", "id", "result", "error":
		return true
	}
	return false
}

// ParseResponse decodes a drained response payload, preserving the order of
// any root-level attribute keys.
func ParseResponse(data []byte) (*Response, error) {
	var aux struct {
		Jsonrpc string          `json:"jsonrpc"`
		ID      uint32          `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return nil, gwerr.Wrap(gwerr.DataParse, err, "malformed response frame")
	}

	resp := &Response{
		Jsonrpc: aux.Jsonrpc,
		ID:      aux.ID,
		Result:  aux.Result,
		Error:   aux.Error,
		Extra:   orderedmap.New[string, json.RawMessage](),
	}

	// Second pass: walk root-level keys in wire order and keep the
	// non-reserved ones.
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil { // opening '{'
		return nil, gwerr.Wrap(gwerr.DataParse, err, "malformed response frame")
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, gwerr.Wrap(gwerr.DataParse, err, "malformed response frame")
		}
		key, _ := keyTok.(string)
		var val json.RawMessage
		if err := dec.Decode(&val); err != nil {
			return nil, gwerr.Wrap(gwerr.DataParse, err, "malformed response frame")
		}
		if !isReservedKey(key) {
			resp.Extra.Set(key, val)
		}
	}

	return resp, nil
}

// ResultString decodes the result member as a string.
func (r *Response) ResultString() (string, error) {
	var s string
	if err := json.Unmarshal(r.Result, &s); err != nil {
		return "", gwerr.Wrap(gwerr.DataParse, err, "result is not a string")
	}
	return s, nil
}

// ResultOK verifies result == "ok".
func (r *Response) ResultOK() error {
	s, err := r.ResultString()
	if err != nil {
		return err
	}
	if s != "ok" {
		return gwerr.New(gwerr.RemoteError, "device answered %q", s)
	}
	return nil
}

// ExtraValues decodes the root-level attribute keys into a plain map,
// preserving nothing but the values; iteration order lives on Extra.
func (r *Response) ExtraValues() map[string]interface{} {
	out := make(map[string]interface{}, r.Extra.Len())
	for pair := r.Extra.Oldest(); pair != nil; pair = pair.Next() {
		var v interface{}
		if err := json.Unmarshal(pair.Value, &v); err == nil {
			out[pair.Key] = v
		}
	}
	return out
}

// IsMessageBoundary implements the firmware's end-of-message heuristic: a
// notification terminates the streamed response when it is shorter than the
// link MTU or its last byte is '}'. This is a quirk, not a protocol
// guarantee; it stays behind this one predicate so a length-prefixed framing
// could replace it.
func IsMessageBoundary(payload []byte, mtu int) bool {
	if len(payload) < mtu {
		return true
	}
	return len(payload) > 0 && payload[len(payload)-1] == '}'
}

// Engine frames requests, correlates responses by id, and exposes the
// device's method table.
type Engine struct {
	t      Transport
	nextID atomic.Uint32
	logger *logrus.Logger
}

// NewEngine creates an engine over the given transport. Wire the engine's
// HandleNotification into the session so boundary detection can terminate
// write-waits.
func NewEngine(t Transport, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{t: t, logger: logger}
}

// HandleNotification is the session's notification hook: it ends the
// write-wait once the response stream hits a message boundary.
func (e *Engine) HandleNotification(uuid string, data []byte) {
	if IsMessageBoundary(data, e.t.MTU()) {
		e.t.StopCommunication()
	}
}

// Call performs one request/response exchange. The response id must equal
// the request id.
func (e *Engine) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	id := e.nextID.Add(1)
	req := Request{Jsonrpc: "2.0", Method: method, Params: params, ID: id}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Invalid, err, "marshal %s request", method)
	}

	e.logger.WithFields(logrus.Fields{
		"method": method,
		"id":     id,
	}).Debug("RPC request")

	if err := e.t.WriteWithoutResponse(ctx, payload, true); err != nil {
		return nil, err
	}

	raw := e.t.Drain()
	resp, err := ParseResponse(raw)
	if err != nil {
		return nil, err
	}

	if resp.ID != id {
		return nil, gwerr.New(gwerr.ProtocolMismatch, "response id %d does not match request id %d", resp.ID, id)
	}
	if resp.Error != nil {
		return nil, gwerr.Wrap(gwerr.RemoteError, resp.Error, "%s failed", method)
	}
	return resp, nil
}

// Get reads named attributes. The firmware replies with the attributes at
// the object root, so values are collected from Extra; a standard
// result-object reply is honoured as well.
func (e *Engine) Get(ctx context.Context, names []string) (map[string]interface{}, error) {
	resp, err := e.Call(ctx, "get", names)
	if err != nil {
		return nil, err
	}

	values := resp.ExtraValues()
	if len(values) == 0 && len(resp.Result) > 0 {
		// Standard shape: attributes under result.
		var fromResult map[string]interface{}
		if err := json.Unmarshal(resp.Result, &fromResult); err == nil {
			values = fromResult
		}
	}

	out := make(map[string]interface{}, len(names))
	for _, name := range names {
		if v, ok := values[name]; ok {
			out[name] = v
		}
	}
	return out, nil
}

// Set writes attributes; the device must answer "ok".
func (e *Engine) Set(ctx context.Context, attrs map[string]interface{}) error {
	resp, err := e.Call(ctx, "set", attrs)
	if err != nil {
		return err
	}
	return resp.ResultOK()
}

// Dump reads the full attribute table.
func (e *Engine) Dump(ctx context.Context, mode int) (map[string]interface{}, error) {
	resp, err := e.Call(ctx, "dump", []int{mode})
	if err != nil {
		return nil, err
	}
	values := resp.ExtraValues()
	if len(values) == 0 && len(resp.Result) > 0 {
		var fromResult map[string]interface{}
		if err := json.Unmarshal(resp.Result, &fromResult); err == nil {
			values = fromResult
		}
	}
	return values, nil
}

// Reboot restarts the device, optionally into its bootloader.
func (e *Engine) Reboot(ctx context.Context, bootloader bool) error {
	var params interface{}
	if bootloader {
		params = []int{1}
	}
	resp, err := e.Call(ctx, "reboot", params)
	if err != nil {
		return err
	}
	return resp.ResultOK()
}

// PrepareLog arms a log read pass; mode 0 selects FIFO order. Returns the
// number of entries remaining on the device.
func (e *Engine) PrepareLog(ctx context.Context, mode int) (uint32, error) {
	resp, err := e.Call(ctx, "prepareLog", []int{mode})
	if err != nil {
		return 0, err
	}
	var remaining uint32
	if err := json.Unmarshal(resp.Result, &remaining); err != nil {
		return 0, gwerr.Wrap(gwerr.DataParse, err, "prepareLog result")
	}
	return remaining, nil
}

// ReadLog fetches up to count entries. The firmware answers with a
// two-element array: the actual entry count and a base64 payload whose
// decoded length is a multiple of the record size.
func (e *Engine) ReadLog(ctx context.Context, count int) (int, []byte, error) {
	resp, err := e.Call(ctx, "readLog", []int{count})
	if err != nil {
		return 0, nil, err
	}

	var tuple []json.RawMessage
	if err := json.Unmarshal(resp.Result, &tuple); err != nil || len(tuple) != 2 {
		return 0, nil, gwerr.New(gwerr.DataParse, "readLog result is not a two-element array")
	}
	var actual int
	if err := json.Unmarshal(tuple[0], &actual); err != nil {
		return 0, nil, gwerr.Wrap(gwerr.DataParse, err, "readLog count")
	}
	var b64 string
	if err := json.Unmarshal(tuple[1], &b64); err != nil {
		return 0, nil, gwerr.Wrap(gwerr.DataParse, err, "readLog payload")
	}
	payload, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return 0, nil, gwerr.Wrap(gwerr.DataParse, err, "readLog payload base64")
	}
	return actual, payload, nil
}

// AckLog acknowledges count entries; the device reports how many it
// actually discarded.
func (e *Engine) AckLog(ctx context.Context, count int) (int, error) {
	resp, err := e.Call(ctx, "ackLog", []int{count})
	if err != nil {
		return 0, err
	}
	var acked int
	if err := json.Unmarshal(resp.Result, &acked); err != nil {
		return 0, gwerr.Wrap(gwerr.DataParse, err, "ackLog result")
	}
	return acked, nil
}

// SetEpoch sets the device clock to the given Unix seconds.
func (e *Engine) SetEpoch(ctx context.Context, epoch int64) error {
	resp, err := e.Call(ctx, "setEpoch", []int64{epoch})
	if err != nil {
		return err
	}
	return resp.ResultOK()
}

// GetEpoch reads the device clock as Unix seconds.
func (e *Engine) GetEpoch(ctx context.Context) (int64, error) {
	resp, err := e.Call(ctx, "getEpoch", nil)
	if err != nil {
		return 0, err
	}
	var epoch int64
	if err := json.Unmarshal(resp.Result, &epoch); err != nil {
		return 0, gwerr.Wrap(gwerr.DataParse, err, "getEpoch result")
	}
	return epoch, nil
}

// LedTest flashes the on-board LED for the given duration.
func (e *Engine) LedTest(ctx context.Context, d time.Duration) error {
	resp, err := e.Call(ctx, "ledTest", []int64{d.Milliseconds()})
	if err != nil {
		return err
	}
	return resp.ResultOK()
}
