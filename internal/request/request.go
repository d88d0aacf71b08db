// Package request defines the immutable wire description of a queued
// mutation: method, path, query, headers, body, and the queueing policy
// attached to it. It is pure data — encode/decode and byte-for-byte
// equality only. Nothing in this package understands entity semantics;
// identifier substitution (internal/identifier) operates on these bytes
// without ever deserializing them into domain types.
package request

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Method is one of the five HTTP verbs the queue knows how to carry.
type Method uint8

const (
	MethodGet Method = iota
	MethodPost
	MethodPut
	MethodPatch
	MethodDelete
)

func (m Method) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodPost:
		return "POST"
	case MethodPut:
		return "PUT"
	case MethodPatch:
		return "PATCH"
	case MethodDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// RetryPolicy selects which failures a request is retried on.
type RetryPolicy uint8

const (
	RetryNone RetryPolicy = iota
	RetryOnNetworkErrors
	RetryAlways
)

// BackoffPolicy describes exponential backoff timing between retry attempts.
type BackoffPolicy struct {
	InitialMS  uint32
	Multiplier float64
	MaxMS      uint32
}

// QueueingPolicy is the per-request scheduling policy described in spec §4.C.
type QueueingPolicy struct {
	Retry       RetryPolicy
	MaxAttempts uint32 // 0 means unbounded
	Backoff     BackoffPolicy
	Barrier     bool
}

// QueryParam preserves insertion order; Values supports repeated keys.
type QueryParam struct {
	Key    string
	Values []string
}

// FormField is one key/value pair of a form-url-encoded body.
type FormField struct {
	Key   string
	Value string
}

// Body is either raw bytes or a set of form-url-encoded pairs, never both.
type Body struct {
	Raw  []byte
	Form []FormField
}

func (b Body) isForm() bool { return b.Form != nil }

// Header is a single header name with possibly multiple values.
type Header struct {
	Name   string
	Values []string
}

// Config is the immutable description of one outbound mutation.
type Config struct {
	Method       Method
	PathTemplate string
	HostOverride string // empty means "use the transport's default host"
	Query        []QueryParam
	Headers      []Header
	Body         Body
	Policy       QueueingPolicy
	Background   bool
	TimeoutSec   uint32 // 0 means "no timeout"
	Deduplicate  bool
	Tag          string
}

// Request is the immutable record admitted into the queue. Identifier is
// nil when the request carries no local-identifier dependency.
type Request struct {
	Config     Config
	Identifier IdentifierSnapshot
}

// IdentifierSnapshot is opaque bytes captured by the originating entity at
// enqueue time. The queue core never interprets them except when merging
// identifiers (internal/identifier), which performs whole-token byte
// substitution.
type IdentifierSnapshot []byte

// ErrTruncated is returned by Decode when the buffer ends mid-field.
var ErrTruncated = errors.New("request: truncated encoding")

// Encode renders the request as a deterministic, length-prefixed byte
// stream. Two requests are considered equal (for deduplication, §4.D) iff
// their encodings are byte-identical.
func (r Request) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(r.Config.Method))
	writeString(&buf, r.Config.PathTemplate)
	writeString(&buf, r.Config.HostOverride)

	writeUint32(&buf, uint32(len(r.Config.Query)))
	for _, q := range r.Config.Query {
		writeString(&buf, q.Key)
		writeUint32(&buf, uint32(len(q.Values)))
		for _, v := range q.Values {
			writeString(&buf, v)
		}
	}

	writeUint32(&buf, uint32(len(r.Config.Headers)))
	for _, h := range r.Config.Headers {
		writeString(&buf, h.Name)
		writeUint32(&buf, uint32(len(h.Values)))
		for _, v := range h.Values {
			writeString(&buf, v)
		}
	}

	if r.Config.Body.isForm() {
		buf.WriteByte(1)
		writeUint32(&buf, uint32(len(r.Config.Body.Form)))
		for _, f := range r.Config.Body.Form {
			writeString(&buf, f.Key)
			writeString(&buf, f.Value)
		}
	} else {
		buf.WriteByte(0)
		writeBytes(&buf, r.Config.Body.Raw)
	}

	buf.WriteByte(byte(r.Config.Policy.Retry))
	writeUint32(&buf, r.Config.Policy.MaxAttempts)
	writeUint32(&buf, r.Config.Policy.Backoff.InitialMS)
	writeUint64(&buf, mathFloatBits(r.Config.Policy.Backoff.Multiplier))
	writeUint32(&buf, r.Config.Policy.Backoff.MaxMS)
	writeBool(&buf, r.Config.Policy.Barrier)

	writeBool(&buf, r.Config.Background)
	writeUint32(&buf, r.Config.TimeoutSec)
	writeBool(&buf, r.Config.Deduplicate)
	writeString(&buf, r.Config.Tag)

	writeBytes(&buf, r.Identifier)

	return buf.Bytes()
}

// Decode parses bytes produced by Encode.
func Decode(data []byte) (Request, error) {
	r := bytes.NewReader(data)
	var req Request

	methodByte, err := r.ReadByte()
	if err != nil {
		return Request{}, ErrTruncated
	}
	req.Config.Method = Method(methodByte)

	if req.Config.PathTemplate, err = readString(r); err != nil {
		return Request{}, err
	}
	if req.Config.HostOverride, err = readString(r); err != nil {
		return Request{}, err
	}

	queryCount, err := readUint32(r)
	if err != nil {
		return Request{}, err
	}
	req.Config.Query = make([]QueryParam, 0, queryCount)
	for i := uint32(0); i < queryCount; i++ {
		key, err := readString(r)
		if err != nil {
			return Request{}, err
		}
		valCount, err := readUint32(r)
		if err != nil {
			return Request{}, err
		}
		values := make([]string, 0, valCount)
		for j := uint32(0); j < valCount; j++ {
			v, err := readString(r)
			if err != nil {
				return Request{}, err
			}
			values = append(values, v)
		}
		req.Config.Query = append(req.Config.Query, QueryParam{Key: key, Values: values})
	}

	headerCount, err := readUint32(r)
	if err != nil {
		return Request{}, err
	}
	req.Config.Headers = make([]Header, 0, headerCount)
	for i := uint32(0); i < headerCount; i++ {
		name, err := readString(r)
		if err != nil {
			return Request{}, err
		}
		valCount, err := readUint32(r)
		if err != nil {
			return Request{}, err
		}
		values := make([]string, 0, valCount)
		for j := uint32(0); j < valCount; j++ {
			v, err := readString(r)
			if err != nil {
				return Request{}, err
			}
			values = append(values, v)
		}
		req.Config.Headers = append(req.Config.Headers, Header{Name: name, Values: values})
	}

	isForm, err := r.ReadByte()
	if err != nil {
		return Request{}, ErrTruncated
	}
	if isForm == 1 {
		fieldCount, err := readUint32(r)
		if err != nil {
			return Request{}, err
		}
		req.Config.Body.Form = make([]FormField, 0, fieldCount)
		for i := uint32(0); i < fieldCount; i++ {
			k, err := readString(r)
			if err != nil {
				return Request{}, err
			}
			v, err := readString(r)
			if err != nil {
				return Request{}, err
			}
			req.Config.Body.Form = append(req.Config.Body.Form, FormField{Key: k, Value: v})
		}
	} else {
		req.Config.Body.Raw, err = readBytes(r)
		if err != nil {
			return Request{}, err
		}
	}

	retryByte, err := r.ReadByte()
	if err != nil {
		return Request{}, ErrTruncated
	}
	req.Config.Policy.Retry = RetryPolicy(retryByte)
	if req.Config.Policy.MaxAttempts, err = readUint32(r); err != nil {
		return Request{}, err
	}
	if req.Config.Policy.Backoff.InitialMS, err = readUint32(r); err != nil {
		return Request{}, err
	}
	multBits, err := readUint64(r)
	if err != nil {
		return Request{}, err
	}
	req.Config.Policy.Backoff.Multiplier = floatFromBits(multBits)
	if req.Config.Policy.Backoff.MaxMS, err = readUint32(r); err != nil {
		return Request{}, err
	}
	if req.Config.Policy.Barrier, err = readBool(r); err != nil {
		return Request{}, err
	}

	if req.Config.Background, err = readBool(r); err != nil {
		return Request{}, err
	}
	if req.Config.TimeoutSec, err = readUint32(r); err != nil {
		return Request{}, err
	}
	if req.Config.Deduplicate, err = readBool(r); err != nil {
		return Request{}, err
	}
	if req.Config.Tag, err = readString(r); err != nil {
		return Request{}, err
	}

	idBytes, err := readBytes(r)
	if err != nil {
		return Request{}, err
	}
	if len(idBytes) > 0 {
		req.Identifier = IdentifierSnapshot(idBytes)
	}

	return req, nil
}

// Equal reports whether two requests are byte-for-byte identical, the
// notion of equality the processor's deduplication check (§4.D) relies on.
func Equal(a, b Request) bool {
	return bytes.Equal(a.Encode(), b.Encode())
}

// WithIdentifierRewrite returns a copy of r with rewrite applied to the
// path, the host override, every query value and the body (raw bytes or
// each form value); method, headers, query keys and form keys are left
// untouched. internal/identifier.Merger passes a rewrite that substitutes
// a local id with its server-authoritative one.
func (r Request) WithIdentifierRewrite(rewrite func([]byte) []byte) Request {
	out := r
	out.Config.PathTemplate = string(rewrite([]byte(r.Config.PathTemplate)))
	out.Config.HostOverride = string(rewrite([]byte(r.Config.HostOverride)))

	if len(r.Config.Query) > 0 {
		out.Config.Query = make([]QueryParam, len(r.Config.Query))
		for i, q := range r.Config.Query {
			nq := QueryParam{Key: q.Key, Values: make([]string, len(q.Values))}
			for j, v := range q.Values {
				nq.Values[j] = string(rewrite([]byte(v)))
			}
			out.Config.Query[i] = nq
		}
	}

	if r.Config.Body.isForm() {
		form := make([]FormField, len(r.Config.Body.Form))
		for i, f := range r.Config.Body.Form {
			form[i] = FormField{Key: f.Key, Value: string(rewrite([]byte(f.Value)))}
		}
		out.Config.Body = Body{Form: form}
	} else if r.Config.Body.Raw != nil {
		out.Config.Body = Body{Raw: rewrite(r.Config.Body.Raw)}
	}

	return out
}

func writeString(buf *bytes.Buffer, s string) { writeBytes(buf, []byte(s)) }

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func writeBool(buf *bytes.Buffer, b bool) {
	if b {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := readFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(tmp[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := readFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(tmp[:]), nil
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, ErrTruncated
	}
	return b == 1, nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	if _, err := readFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func mathFloatBits(f float64) uint64 { return math.Float64bits(f) }

func floatFromBits(b uint64) float64 { return math.Float64frombits(b) }

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	n, err := r.Read(buf)
	if err != nil || n != len(buf) {
		return n, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return n, nil
}
