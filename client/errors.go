package client

import "errors"

var (
	ErrNotConnected           = errors.New("Connection is not connected")
	ErrConnectionLost         = errors.New("Connection was lost")
	ErrAuthenticationRequired = errors.New("Server requires authorization, configure an auth secret before connecting")
	ErrMessageProcessed       = errors.New("Message has already been finished or requeued")
	ErrUnexpectedResponse     = errors.New("Received an unexpected response from the server")
	ErrSubscribeFailed        = errors.New("Subscription failed")
	ErrInvalidConfig          = errors.New("Invalid client config")
	ErrBackoff                = errors.New("Time to reconnect has not yet come")

	// ErrClosing is returned by reads once the server has acknowledged CLS.
	ErrClosing = errors.New("Connection is closing")
)
