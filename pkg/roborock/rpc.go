package roborock

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

const (
	dpsRequest  = "101"
	dpsResponse = "102"
)

type rpcRequest struct {
	ID     int         `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type dpsPayload struct {
	DPS map[string]json.RawMessage `json:"dps"`
	T   uint32                     `json:"t"`
}

// DeviceError is returned when the robot answers a command with an error
type DeviceError struct {
	Method  string
	Code    int
	Message string
}

func (e DeviceError) Error() string {
	return fmt.Sprintf("device rejected %s: %s (code %d)", e.Method, e.Message, e.Code)
}

var requestCounter = int64(nextInt(10000, 32767))

func nextRequestID() int {
	return int(atomic.AddInt64(&requestCounter, 1)%32767) + 1
}

func encodeRPCRequest(id int, method string, params interface{}, ts uint32) ([]byte, error) {
	if params == nil {
		params = []interface{}{}
	}

	inner, err := json.Marshal(rpcRequest{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %s request", method)
	}

	// The request is a JSON string inside the dps map
	quoted, err := json.Marshal(string(inner))
	if err != nil {
		return nil, err
	}

	return json.Marshal(dpsPayload{
		DPS: map[string]json.RawMessage{dpsRequest: quoted},
		T:   ts,
	})
}

// decodeRPCResponse returns ok=false for payloads that carry no RPC reply
func decodeRPCResponse(payload []byte) (rpcResponse, bool, error) {
	var p dpsPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return rpcResponse{}, false, errors.Wrap(err, "decoding dps payload")
	}

	raw, ok := p.DPS[dpsResponse]
	if !ok {
		return rpcResponse{}, false, nil
	}

	var inner string
	if err := json.Unmarshal(raw, &inner); err != nil {
		// Some firmware sends the reply as an object instead of a string
		inner = string(raw)
	}

	var resp rpcResponse
	if err := json.Unmarshal([]byte(inner), &resp); err != nil {
		return rpcResponse{}, false, errors.Wrap(err, "decoding rpc response")
	}

	return resp, true, nil
}

type reply struct {
	resp rpcResponse
	err  error
}

// pending correlates outstanding requests with their replies by request id
type pending struct {
	mu      sync.Mutex
	waiters map[int]chan reply
}

func newPending() *pending {
	return &pending{waiters: make(map[int]chan reply)}
}

func (p *pending) add(id int) <-chan reply {
	ch := make(chan reply, 1)

	p.mu.Lock()
	p.waiters[id] = ch
	p.mu.Unlock()

	return ch
}

func (p *pending) remove(id int) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

func (p *pending) resolve(resp rpcResponse) bool {
	p.mu.Lock()
	ch, ok := p.waiters[resp.ID]
	delete(p.waiters, resp.ID)
	p.mu.Unlock()

	if ok {
		ch <- reply{resp: resp}
	}
	return ok
}

func (p *pending) failAll(err error) {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = make(map[int]chan reply)
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- reply{err: err}
	}
}

func (r reply) result(method string) (json.RawMessage, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.resp.Error != nil {
		return nil, DeviceError{Method: method, Code: r.resp.Error.Code, Message: r.resp.Error.Message}
	}
	return r.resp.Result, nil
}

func (r rpcResponse) String() string {
	return "rpc#" + strconv.Itoa(r.ID)
}
