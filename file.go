// SPDX-FileCopyrightText: Copyright (c) The go-mail Authors
//
// SPDX-License-Identifier: MIT

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/tinylib/msgp/msgp"
)

// FileFormat selects the encoding of the files written by a FileTransport
type FileFormat string

const (
	// FileFormatJSON writes <id>.json files
	FileFormatJSON FileFormat = "json"

	// FileFormatMsgpack writes <id>.msgpack files
	FileFormatMsgpack FileFormat = "msgpack"
)

var (
	// ErrInvalidFileFormat is returned for an unknown FileFormat
	ErrInvalidFileFormat = errors.New("invalid file format")

	// ErrInvalidMessageID is returned by FileTransport.Read for an id that was not
	// created by a FileTransport
	ErrInvalidMessageID = errors.New("invalid message id")
)

// FileTransport stores every Envelope as a file in a directory instead of delivering
// it. The file name is the message id, a ULID, so a directory listing is in the order
// the messages were sent.
type FileTransport struct {
	dir    string
	format FileFormat
}

// storedEnvelope is the on-disk representation of an Envelope. The body is stored
// as message if it is valid UTF-8 and as raw_message otherwise.
type storedEnvelope struct {
	Envelope struct {
		ForwardPath []string `json:"forward_path"`
		ReversePath *string  `json:"reverse_path"`
	} `json:"envelope"`
	MessageID  string   `json:"message_id"`
	Message    *string  `json:"message,omitempty"`
	RawMessage rawBytes `json:"raw_message,omitempty"`
}

// rawBytes is encoded as an array of numbers in JSON
type rawBytes []byte

// MarshalJSON satisfies the json.Marshaler interface for the rawBytes type
func (r rawBytes) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	ints := make([]int, len(r))
	for i, b := range r {
		ints[i] = int(b)
	}
	return json.Marshal(ints)
}

// UnmarshalJSON satisfies the json.Unmarshaler interface for the rawBytes type
func (r *rawBytes) UnmarshalJSON(data []byte) error {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	raw := make(rawBytes, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("raw message byte out of range: %d", v)
		}
		raw[i] = byte(v)
	}
	*r = raw
	return nil
}

// NewFileTransport returns a FileTransport writing to dir, which is created if it does
// not exist. An empty format selects FileFormatJSON.
func NewFileTransport(dir string, format FileFormat) (*FileTransport, error) {
	if format == "" {
		format = FileFormatJSON
	}
	if format != FileFormatJSON && format != FileFormatMsgpack {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFileFormat, format)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create directory for file transport: %w", err)
	}
	return &FileTransport{dir: dir, format: format}, nil
}

// Send writes the Envelope to a new file. The message id of the SendResult is the file
// name without extension. All recipients are reported as accepted.
func (f *FileTransport) Send(ctx context.Context, env *Envelope) (*SendResult, error) {
	if env == nil {
		return nil, ErrNoEnvelope
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := ulid.Make().String()
	stored := newStoredEnvelope(id, env)

	var data []byte
	var err error
	switch f.format {
	case FileFormatMsgpack:
		data, err = stored.MarshalMsg(nil)
	default:
		data, err = json.Marshal(stored)
	}
	if err != nil {
		return nil, newDeliveryError(ErrTransport, env.To(), fmt.Errorf("failed to encode envelope: %w", err))
	}
	if err = f.write(f.path(id), data); err != nil {
		return nil, newDeliveryError(ErrTransport, env.To(), err)
	}
	return &SendResult{MessageID: id, Accepted: env.To()}, nil
}

// Read returns the Envelope stored under the message id
func (f *FileTransport) Read(id string) (*Envelope, error) {
	if _, err := ulid.ParseStrict(id); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessageID, err)
	}
	data, err := os.ReadFile(f.path(id))
	if err != nil {
		return nil, fmt.Errorf("failed to read stored envelope: %w", err)
	}

	var stored storedEnvelope
	switch f.format {
	case FileFormatMsgpack:
		_, err = stored.UnmarshalMsg(data)
	default:
		err = json.Unmarshal(data, &stored)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode stored envelope: %w", err)
	}
	return stored.envelope()
}

// List returns the ids of all stored messages, oldest first
func (f *FileTransport) List() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list stored envelopes: %w", err)
	}
	suffix := "." + string(f.format)
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, suffix) {
			continue
		}
		id := strings.TrimSuffix(name, suffix)
		if _, err = ulid.ParseStrict(id); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// path returns the file path for the message id
func (f *FileTransport) path(id string) string {
	return filepath.Join(f.dir, id+"."+string(f.format))
}

// write writes data to a temporary file and renames it, so a reader never sees a
// partially written file
func (f *FileTransport) write(path string, data []byte) error {
	tmp, err := os.CreateTemp(f.dir, ".relay-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to store envelope: %w", err)
	}
	return nil
}

func newStoredEnvelope(id string, env *Envelope) *storedEnvelope {
	stored := &storedEnvelope{MessageID: id}
	stored.Envelope.ForwardPath = env.To()
	if env.from != "" {
		from := env.from
		stored.Envelope.ReversePath = &from
	}
	if utf8.Valid(env.body) {
		message := string(env.body)
		stored.Message = &message
	} else {
		stored.RawMessage = env.Body()
	}
	return stored
}

// envelope converts the stored representation back into an Envelope
func (s *storedEnvelope) envelope() (*Envelope, error) {
	var from string
	if s.Envelope.ReversePath != nil {
		from = *s.Envelope.ReversePath
	}
	var body []byte
	switch {
	case s.Message != nil:
		body = []byte(*s.Message)
	default:
		body = s.RawMessage
	}
	return NewEnvelope(from, s.Envelope.ForwardPath, body)
}

// MarshalMsg implements msgp.Marshaler. The layout follows the JSON encoding, with the
// raw message stored as a bin value.
func (s *storedEnvelope) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.Require(b, s.Msgsize())
	fields := uint32(2)
	if s.Message != nil || s.RawMessage != nil {
		fields++
	}
	b = msgp.AppendMapHeader(b, fields)

	b = msgp.AppendString(b, "envelope")
	b = msgp.AppendMapHeader(b, 2)
	b = msgp.AppendString(b, "forward_path")
	b = msgp.AppendArrayHeader(b, uint32(len(s.Envelope.ForwardPath)))
	for _, addr := range s.Envelope.ForwardPath {
		b = msgp.AppendString(b, addr)
	}
	b = msgp.AppendString(b, "reverse_path")
	if s.Envelope.ReversePath == nil {
		b = msgp.AppendNil(b)
	} else {
		b = msgp.AppendString(b, *s.Envelope.ReversePath)
	}

	b = msgp.AppendString(b, "message_id")
	b = msgp.AppendString(b, s.MessageID)

	switch {
	case s.Message != nil:
		b = msgp.AppendString(b, "message")
		b = msgp.AppendString(b, *s.Message)
	case s.RawMessage != nil:
		b = msgp.AppendString(b, "raw_message")
		b = msgp.AppendBytes(b, s.RawMessage)
	}
	return b, nil
}

// UnmarshalMsg implements msgp.Unmarshaler. Unknown fields are skipped.
func (s *storedEnvelope) UnmarshalMsg(b []byte) ([]byte, error) {
	fields, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, err
	}
	for ; fields > 0; fields-- {
		var key string
		if key, b, err = msgp.ReadStringBytes(b); err != nil {
			return b, err
		}
		switch key {
		case "envelope":
			if b, err = s.unmarshalEnvelope(b); err != nil {
				return b, msgp.WrapError(err, "envelope")
			}
		case "message_id":
			if s.MessageID, b, err = msgp.ReadStringBytes(b); err != nil {
				return b, msgp.WrapError(err, "message_id")
			}
		case "message":
			var message string
			if message, b, err = msgp.ReadStringBytes(b); err != nil {
				return b, msgp.WrapError(err, "message")
			}
			s.Message = &message
		case "raw_message":
			if s.RawMessage, b, err = msgp.ReadBytesBytes(b, nil); err != nil {
				return b, msgp.WrapError(err, "raw_message")
			}
		default:
			if b, err = msgp.Skip(b); err != nil {
				return b, msgp.WrapError(err, key)
			}
		}
	}
	return b, nil
}

func (s *storedEnvelope) unmarshalEnvelope(b []byte) ([]byte, error) {
	fields, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, err
	}
	for ; fields > 0; fields-- {
		var key string
		if key, b, err = msgp.ReadStringBytes(b); err != nil {
			return b, err
		}
		switch key {
		case "forward_path":
			var count uint32
			if count, b, err = msgp.ReadArrayHeaderBytes(b); err != nil {
				return b, err
			}
			s.Envelope.ForwardPath = make([]string, count)
			for i := range s.Envelope.ForwardPath {
				if s.Envelope.ForwardPath[i], b, err = msgp.ReadStringBytes(b); err != nil {
					return b, err
				}
			}
		case "reverse_path":
			if msgp.IsNil(b) {
				b, err = msgp.ReadNilBytes(b)
				s.Envelope.ReversePath = nil
				if err != nil {
					return b, err
				}
				continue
			}
			var from string
			if from, b, err = msgp.ReadStringBytes(b); err != nil {
				return b, err
			}
			s.Envelope.ReversePath = &from
		default:
			if b, err = msgp.Skip(b); err != nil {
				return b, err
			}
		}
	}
	return b, nil
}

// Msgsize implements msgp.Sizer and returns an upper bound of the encoded size
func (s *storedEnvelope) Msgsize() int {
	size := msgp.MapHeaderSize + msgp.StringPrefixSize + len("envelope") +
		msgp.MapHeaderSize + msgp.StringPrefixSize + len("forward_path") + msgp.ArrayHeaderSize +
		msgp.StringPrefixSize + len("reverse_path") + msgp.StringPrefixSize +
		msgp.StringPrefixSize + len("message_id") + msgp.StringPrefixSize + len(s.MessageID) +
		msgp.StringPrefixSize + len("raw_message")
	for _, addr := range s.Envelope.ForwardPath {
		size += msgp.StringPrefixSize + len(addr)
	}
	if s.Envelope.ReversePath != nil {
		size += len(*s.Envelope.ReversePath)
	}
	if s.Message != nil {
		size += msgp.StringPrefixSize + len(*s.Message)
	}
	return size + msgp.BytesPrefixSize + len(s.RawMessage)
}
