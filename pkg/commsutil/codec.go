package commsutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/morezero/agent-fabric/pkg/protocol"
)

const codecLogPrefix = "commsutil:codec"

// EncodePayload serializes a value to JSON bytes.
func EncodePayload(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// DecodePayload deserializes JSON bytes into the given target.
func DecodePayload(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// PayloadChecksum returns the hex SHA-256 of the payload's JSON form.
func PayloadChecksum(p protocol.Payload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("%s - failed to encode payload for checksum: %w", codecLogPrefix, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// EncodeEnvelope stamps the payload checksum and serializes the envelope.
func EncodeEnvelope(env *protocol.Envelope) ([]byte, error) {
	checksum, err := PayloadChecksum(env.Payload)
	if err != nil {
		return nil, err
	}
	env.Metadata.Checksum = checksum

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode envelope: %w", codecLogPrefix, err)
	}
	return data, nil
}

// DecodeEnvelope deserializes an envelope. A checksum mismatch is logged but
// does not reject the envelope; the checksum is advisory.
func DecodeEnvelope(data []byte) (*protocol.Envelope, error) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%s - failed to decode envelope: %w", codecLogPrefix, err)
	}

	if env.Metadata.Checksum != "" {
		checksum, err := PayloadChecksum(env.Payload)
		if err == nil && checksum != env.Metadata.Checksum {
			slog.Warn(fmt.Sprintf("%s - payload checksum mismatch on message %s",
				codecLogPrefix, env.Header.MessageID))
		}
	}

	return &env, nil
}
