package oracle

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"BioMod/internal/attestation"
)

// Message types for the oracle protocol.
const (
	msgTypeRequest  = 0x01 // Request for validation
	msgTypeStatus   = 0x02 // Status poll for a previous request
	msgTypeResponse = 0x03 // Response to either
)

// maxErrorLen bounds the error message carried by a response.
const maxErrorLen = 1024

// ErrMalformedMessage is returned for messages that cannot be decoded.
var ErrMalformedMessage = errors.New("malformed oracle message")

// Status is the validator-side state of a request.
type Status uint8

const (
	StatusPending   Status = iota + 1 // StatusPending means verification has not finished
	StatusValidated                   // StatusValidated means an attestation is attached
	StatusRejected                    // StatusRejected means the validator refused to attest
)

var statusNames = map[Status]string{
	StatusPending:   "pending",
	StatusValidated: "validated",
	StatusRejected:  "rejected",
}

// String returns the status name.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("status(%d)", uint8(s))
}

// parseStatus is the inverse of String.
func parseStatus(s string) (Status, error) {
	for st, name := range statusNames {
		if name == s {
			return st, nil
		}
	}

	return 0, fmt.Errorf("%w: unknown status %q", ErrMalformedMessage, s)
}

// Request asks a validator to attest a sequence from its proof bundle.
type Request struct {
	ID            uuid.UUID // ID identifies the request for status polling
	SequenceHash  [32]byte  // SequenceHash is the content hash being attested
	MetricsDigest [32]byte  // MetricsDigest is the quality metrics digest
	Requester     [32]byte  // Requester is the requesting node's identity
	Timestamp     time.Time // Timestamp is when the request was issued (ms precision)
	Proof         []byte    // Proof is the encoded proof bundle
}

// Response is a validator's answer to a Request or a status poll.
type Response struct {
	ID           uuid.UUID                // ID echoes the request
	Status       Status                   // Status is the request state
	SequenceHash [32]byte                 // SequenceHash identifies the sequence
	Attestation  *attestation.Attestation // Attestation is set when Validated
	Error        string                   // Error explains a rejection
}

// EncodeRequest encodes a request to bytes.
// Format: [1B type][16B id][32B seq][32B digest][32B requester][8B ts_ms][4B proofLen][NB proof]
func EncodeRequest(req *Request) []byte {
	buf := make([]byte, 125+len(req.Proof))

	buf[0] = msgTypeRequest
	copy(buf[1:17], req.ID[:])
	copy(buf[17:49], req.SequenceHash[:])
	copy(buf[49:81], req.MetricsDigest[:])
	copy(buf[81:113], req.Requester[:])
	binary.BigEndian.PutUint64(buf[113:121], uint64(req.Timestamp.UnixMilli()))
	binary.BigEndian.PutUint32(buf[121:125], uint32(len(req.Proof)))
	copy(buf[125:], req.Proof)

	return buf
}

// DecodeRequest decodes a request from bytes.
func DecodeRequest(data []byte) (*Request, error) {
	if len(data) < 125 {
		return nil, fmt.Errorf("%w: request too short: %d < 125", ErrMalformedMessage, len(data))
	}

	if data[0] != msgTypeRequest {
		return nil, fmt.Errorf("%w: invalid message type: 0x%02x", ErrMalformedMessage, data[0])
	}

	proofLen := binary.BigEndian.Uint32(data[121:125])
	if uint64(len(data)) != 125+uint64(proofLen) {
		return nil, fmt.Errorf("%w: proof length %d does not match payload", ErrMalformedMessage, proofLen)
	}

	req := &Request{
		Timestamp: time.UnixMilli(int64(binary.BigEndian.Uint64(data[113:121]))),
		Proof:     make([]byte, proofLen),
	}
	copy(req.ID[:], data[1:17])
	copy(req.SequenceHash[:], data[17:49])
	copy(req.MetricsDigest[:], data[49:81])
	copy(req.Requester[:], data[81:113])
	copy(req.Proof, data[125:])

	return req, nil
}

// EncodeStatusQuery encodes a status poll.
// Format: [1B type][16B id]
func EncodeStatusQuery(id uuid.UUID) []byte {
	buf := make([]byte, 17)
	buf[0] = msgTypeStatus
	copy(buf[1:], id[:])

	return buf
}

// DecodeStatusQuery decodes a status poll.
func DecodeStatusQuery(data []byte) (uuid.UUID, error) {
	if len(data) != 17 || data[0] != msgTypeStatus {
		return uuid.Nil, fmt.Errorf("%w: invalid status query", ErrMalformedMessage)
	}

	return uuid.FromBytes(data[1:])
}

// EncodeResponse encodes a response to bytes.
// Format: [1B type][16B id][1B status][32B seq][4B attLen][NB att][2B errLen][MB err]
func EncodeResponse(resp *Response) []byte {
	var att []byte
	if resp.Attestation != nil {
		att = attestation.Encode(resp.Attestation)
	}

	msg := truncate(resp.Error, maxErrorLen)

	buf := make([]byte, 54+len(att)+2+len(msg))
	buf[0] = msgTypeResponse
	copy(buf[1:17], resp.ID[:])
	buf[17] = byte(resp.Status)
	copy(buf[18:50], resp.SequenceHash[:])
	binary.BigEndian.PutUint32(buf[50:54], uint32(len(att)))
	copy(buf[54:], att)

	off := 54 + len(att)
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(msg)))
	copy(buf[off+2:], msg)

	return buf
}

// DecodeResponse decodes a response. An embedded attestation is tagged Remote.
func DecodeResponse(data []byte) (*Response, error) {
	if len(data) < 56 {
		return nil, fmt.Errorf("%w: response too short: %d < 56", ErrMalformedMessage, len(data))
	}

	if data[0] != msgTypeResponse {
		return nil, fmt.Errorf("%w: invalid message type: 0x%02x", ErrMalformedMessage, data[0])
	}

	resp := &Response{Status: Status(data[17])}
	copy(resp.ID[:], data[1:17])
	copy(resp.SequenceHash[:], data[18:50])

	attLen := uint64(binary.BigEndian.Uint32(data[50:54]))
	if uint64(len(data)) < 56+attLen {
		return nil, fmt.Errorf("%w: attestation truncated", ErrMalformedMessage)
	}

	if attLen > 0 {
		att, err := attestation.Decode(data[54:54+attLen], attestation.Remote)
		if err != nil {
			return nil, fmt.Errorf("decode attestation:\n%w", err)
		}
		resp.Attestation = att
	}

	off := 54 + attLen
	errLen := uint64(binary.BigEndian.Uint16(data[off : off+2]))
	if uint64(len(data)) != off+2+errLen {
		return nil, fmt.Errorf("%w: error message length mismatch", ErrMalformedMessage)
	}
	resp.Error = string(data[off+2:])

	return resp, nil
}

// requestJSON is the HTTP encoding of a Request.
type requestJSON struct {
	ID            string `json:"id"`
	SequenceHash  string `json:"sequence_hash"`
	MetricsDigest string `json:"quality_metrics_digest"`
	Requester     string `json:"requester"`
	Timestamp     int64  `json:"timestamp"`
	Proof         []byte `json:"proof"`
}

// MarshalJSON encodes hashes as hex and the timestamp as Unix milliseconds.
func (r Request) MarshalJSON() ([]byte, error) {
	return json.Marshal(requestJSON{
		ID:            r.ID.String(),
		SequenceHash:  hex.EncodeToString(r.SequenceHash[:]),
		MetricsDigest: hex.EncodeToString(r.MetricsDigest[:]),
		Requester:     hex.EncodeToString(r.Requester[:]),
		Timestamp:     r.Timestamp.UnixMilli(),
		Proof:         r.Proof,
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (r *Request) UnmarshalJSON(data []byte) error {
	var w requestJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	id, err := uuid.Parse(w.ID)
	if err != nil {
		return fmt.Errorf("%w: id: %w", ErrMalformedMessage, err)
	}

	*r = Request{ID: id, Timestamp: time.UnixMilli(w.Timestamp), Proof: w.Proof}

	if err := decodeHex(r.SequenceHash[:], w.SequenceHash); err != nil {
		return fmt.Errorf("sequence_hash: %w", err)
	}

	if err := decodeHex(r.MetricsDigest[:], w.MetricsDigest); err != nil {
		return fmt.Errorf("quality_metrics_digest: %w", err)
	}

	if err := decodeHex(r.Requester[:], w.Requester); err != nil {
		return fmt.Errorf("requester: %w", err)
	}

	return nil
}

// responseJSON is the HTTP encoding of a Response.
type responseJSON struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	SequenceID   string `json:"sequence_id"`
	Attestation  []byte `json:"attestation,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// MarshalJSON encodes the attestation in its binary form.
func (r Response) MarshalJSON() ([]byte, error) {
	w := responseJSON{
		ID:           r.ID.String(),
		Status:       r.Status.String(),
		SequenceID:   hex.EncodeToString(r.SequenceHash[:]),
		ErrorMessage: r.Error,
	}

	if r.Attestation != nil {
		w.Attestation = attestation.Encode(r.Attestation)
	}

	return json.Marshal(w)
}

// UnmarshalJSON is the inverse of MarshalJSON. An embedded attestation is tagged Remote.
func (r *Response) UnmarshalJSON(data []byte) error {
	var w responseJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	id, err := uuid.Parse(w.ID)
	if err != nil {
		return fmt.Errorf("%w: id: %w", ErrMalformedMessage, err)
	}

	status, err := parseStatus(w.Status)
	if err != nil {
		return err
	}

	*r = Response{ID: id, Status: status, Error: w.ErrorMessage}

	if err := decodeHex(r.SequenceHash[:], w.SequenceID); err != nil {
		return fmt.Errorf("sequence_id: %w", err)
	}

	if len(w.Attestation) > 0 {
		att, err := attestation.Decode(w.Attestation, attestation.Remote)
		if err != nil {
			return fmt.Errorf("decode attestation:\n%w", err)
		}
		r.Attestation = att
	}

	return nil
}

// decodeHex decodes s into dst, which must be filled exactly.
func decodeHex(dst []byte, s string) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	if len(b) != len(dst) {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedMessage, len(dst), len(b))
	}

	copy(dst, b)

	return nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}

	return s[:n]
}
