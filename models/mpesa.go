package models

import (
	"fmt"
	"strconv"
)

// MpesaReceiptKey is the callback metadata item carrying the settlement receipt.
const MpesaReceiptKey = "MpesaReceiptNumber"

// StkCallbackEnvelope is the notification posted by the gateway once a push
// payment settles or is abandoned.
type StkCallbackEnvelope struct {
	Body struct {
		StkCallback StkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type StkCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        *int              `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

type CallbackMetadata struct {
	Item []CallbackItem `json:"Item"`
}

type CallbackItem struct {
	Name  string `json:"Name"`
	Value any    `json:"Value,omitempty"`
}

// Valid reports whether the callback names a payment and carries a result.
func (c StkCallback) Valid() bool {
	return c.CheckoutRequestID != "" && c.ResultCode != nil
}

// Succeeded reports whether the result code is the success sentinel.
func (c StkCallback) Succeeded() bool {
	return c.ResultCode != nil && *c.ResultCode == 0
}

// Receipt returns the settlement receipt from the metadata list, if present.
func (c StkCallback) Receipt() (string, bool) {
	if c.CallbackMetadata == nil {
		return "", false
	}
	for _, item := range c.CallbackMetadata.Item {
		if item.Name != MpesaReceiptKey {
			continue
		}
		switch v := item.Value.(type) {
		case string:
			return v, v != ""
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), true
		case nil:
			return "", false
		default:
			return fmt.Sprint(v), true
		}
	}
	return "", false
}
