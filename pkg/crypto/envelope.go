package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	NonceSize          = 12
	MaxMessageAge      = 10 * time.Minute
	ProtocolVersion    = "ctldisco-v1"
	MessageTypeBeacon  = "BEACON"
	MessageTypeRequest = "REQUEST"
	MessageTypeOffer   = "OFFER"
	MessageTypeLeave   = "LEAVE"
)

var (
	// ErrOpenEnvelope marks datagrams that are not ours: foreign traffic or another secret.
	ErrOpenEnvelope = errors.New("cannot open envelope")
	// ErrStaleMessage marks messages outside the accepted timestamp window.
	ErrStaleMessage = errors.New("stale message")
)

// Message is the plaintext carried by every overlay datagram
type Message struct {
	Protocol     string              `json:"protocol"`
	PeerID       string              `json:"peer_id"`
	Name         string              `json:"name"`
	Groups       []string            `json:"groups,omitempty"`
	Services     map[string][]string `json:"services,omitempty"`
	Service      string              `json:"service,omitempty"` // REQUEST target
	ExchangePort int                 `json:"exchange_port"`
	Timestamp    int64               `json:"timestamp"`
}

// Envelope wraps encrypted messages with nonce for transmission
type Envelope struct {
	MessageType string `json:"type"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// NewMessage creates a message stamped with the current protocol and time
func NewMessage(peerID, name string, exchangePort int) *Message {
	return &Message{
		Protocol:     ProtocolVersion,
		PeerID:       peerID,
		Name:         name,
		ExchangePort: exchangePort,
		Timestamp:    time.Now().Unix(),
	}
}

// SealEnvelope encrypts a message using AES-256-GCM with the overlay key
func SealEnvelope(messageType string, msg *Message, key [32]byte) ([]byte, error) {
	plaintext, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// The message type is bound as additional data so it cannot be swapped in transit.
	envelope := Envelope{
		MessageType: messageType,
		Nonce:       nonce,
		Ciphertext:  gcm.Seal(nil, nonce, plaintext, []byte(messageType)),
	}

	return json.Marshal(envelope)
}

// OpenEnvelope decrypts a datagram using AES-256-GCM with the overlay key
func OpenEnvelope(data []byte, key [32]byte) (*Envelope, *Message, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrOpenEnvelope, err)
	}

	if len(envelope.Nonce) != NonceSize {
		return nil, nil, fmt.Errorf("%w: invalid nonce size %d", ErrOpenEnvelope, len(envelope.Nonce))
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	plaintext, err := gcm.Open(nil, envelope.Nonce, envelope.Ciphertext, []byte(envelope.MessageType))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decryption failed (wrong secret?)", ErrOpenEnvelope)
	}

	var msg Message
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrOpenEnvelope, err)
	}

	if msg.Protocol != ProtocolVersion {
		return nil, nil, fmt.Errorf("%w: unsupported protocol version %q", ErrOpenEnvelope, msg.Protocol)
	}

	// Check timestamp to prevent replay
	msgTime := time.Unix(msg.Timestamp, 0)
	if time.Since(msgTime) > MaxMessageAge {
		return nil, nil, fmt.Errorf("%w: too old (%v)", ErrStaleMessage, time.Since(msgTime))
	}
	if msgTime.After(time.Now().Add(MaxMessageAge)) {
		return nil, nil, fmt.Errorf("%w: timestamp in future", ErrStaleMessage)
	}

	return &envelope, &msg, nil
}

func newGCM(key [32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
