// Package models defines the core data structures for FlowPipe.
//
// It includes flow definitions, routing rules, keyword bindings, sessions and the gateway
// message log, which are shared across the store, routing, flow and gateway modules.
package models

import (
	"errors"
	"time"
)

// Channel identifies the carrier channel a conversation runs on.
type Channel string

const (
	// ChannelSMS is a plain text-message conversation.
	ChannelSMS Channel = "sms"
	// ChannelUSSD is an interactive USSD menu session.
	ChannelUSSD Channel = "ussd"
)

// IsValidChannel checks if the given channel is supported.
func IsValidChannel(c Channel) bool {
	switch c {
	case ChannelSMS, ChannelUSSD:
		return true
	default:
		return false
	}
}

// Default session lifetimes per channel, used when neither the flow nor configuration
// provides one. USSD sessions are short lived at the carrier.
const (
	DefaultSMSSessionTTL  = 30 * time.Minute
	DefaultUSSDSessionTTL = 3 * time.Minute
)

// DefaultSessionTTL returns the default session lifetime for a channel.
func DefaultSessionTTL(c Channel) time.Duration {
	if c == ChannelUSSD {
		return DefaultUSSDSessionTTL
	}
	return DefaultSMSSessionTTL
}

// Error variables for better error handling and testability
var (
	ErrInvalidFlow        = errors.New("invalid flow")
	ErrInvalidRoutingRule = errors.New("invalid routing rule")
	ErrInvalidKeyword     = errors.New("invalid keyword")
	ErrInvalidChannel     = errors.New("invalid channel")
	ErrInvalidPhone       = errors.New("invalid phone number")
	ErrEmptyPhone         = errors.New("phone number cannot be empty")
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusDropped indicates an inbound event was audited and intentionally not answered.
	APIStatusDropped APIStatus = "dropped"
)

// API Response types for consistent JSON responses

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// Dropped creates a response for an inbound event that was logged but not answered.
func Dropped(reason string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusDropped).
		WithMessage(reason).
		Build()
}
