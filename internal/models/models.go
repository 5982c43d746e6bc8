// Package models defines the core data structures for the Brenda sales agent.
//
// It includes inbound and outbound message envelopes, delivery receipts and API
// response types, which are shared across modules.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Validation constants for input validation
const (
	// MaxMessageTextLength defines the maximum allowed length for a single message body.
	MaxMessageTextLength = 4096
	// MaxMediaPerMessage bounds the number of media attachments on one outbound message.
	MaxMediaPerMessage = 10
)

// Error variables for better error handling and testability
var (
	ErrEmptyUserID       = errors.New("user id cannot be empty")
	ErrEmptyText         = errors.New("message text cannot be empty")
	ErrMessageTooLong    = errors.New("message text exceeds maximum length")
	ErrTooManyMediaItems = errors.New("too many media attachments")
)

var validate = validator.New()

// InboundMessage is one user message delivered by the transport.
type InboundMessage struct {
	// ID is the transport message identifier, used for deduplication.
	ID     string `json:"id,omitempty"`
	UserID string `json:"user_id" validate:"required"`
	Text   string `json:"text" validate:"max=4096"`
	// CampaignTag carries an explicit campaign marker when the transport knows
	// the message came from an ad click-through.
	CampaignTag string    `json:"campaign_tag,omitempty"`
	MediaURLs   []string  `json:"media_urls,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Validate checks the envelope before it enters the pipeline.
func (m *InboundMessage) Validate() error {
	if strings.TrimSpace(m.UserID) == "" {
		return ErrEmptyUserID
	}
	if strings.TrimSpace(m.Text) == "" && len(m.MediaURLs) == 0 {
		return ErrEmptyText
	}
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("invalid inbound message: %w", err)
	}
	return nil
}

// OutboundMessage is one reply to deliver to a user. It carries text and
// optional media references.
type OutboundMessage struct {
	UserID    string   `json:"user_id" validate:"required"`
	Text      string   `json:"text"`
	MediaURLs []string `json:"media_urls,omitempty" validate:"max=10,dive,url"`
}

// Validate checks an outbound message before it is handed to a transport.
func (m *OutboundMessage) Validate() error {
	if strings.TrimSpace(m.UserID) == "" {
		return ErrEmptyUserID
	}
	if strings.TrimSpace(m.Text) == "" && len(m.MediaURLs) == 0 {
		return ErrEmptyText
	}
	if len(m.Text) > MaxMessageTextLength {
		return ErrMessageTooLong
	}
	if len(m.MediaURLs) > MaxMediaPerMessage {
		return ErrTooManyMediaItems
	}
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("invalid outbound message: %w", err)
	}
	return nil
}

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt is a delivery receipt reported by a transport.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusAccepted indicates an inbound message was queued for processing.
	APIStatusAccepted APIStatus = "accepted"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Accepted creates an accepted API response.
func Accepted() APIResponse {
	return APIResponse{Status: string(APIStatusAccepted)}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
