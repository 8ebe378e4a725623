// services/api-gateway/handlers/types.go
package handlers

import "github.com/example/loan-payments-gateway/internal/gateway"

type RegisterCallbackIn struct {
	URL              string `json:"url"`
	NotificationType string `json:"notification_type,omitempty"`
	Token            string `json:"token"`
}

type RegisterCallbackOut struct {
	RegistrationID string `json:"registrationId"`
}

// SubmitOrderIn accepts the order under "order"; "orderData" is the name
// older browser clients send.
type SubmitOrderIn struct {
	Token     string         `json:"token"`
	Order     *gateway.Order `json:"order"`
	OrderData *gateway.Order `json:"orderData"`
}

type SubmitOrderOut struct {
	TrackingID        string `json:"trackingId"`
	MerchantReference string `json:"merchantReference"`
	RedirectURL       string `json:"redirectUrl"`
}

type PaymentStatusIn struct {
	MerchantReference string `json:"merchant_reference"`
}

type ErrorOut struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}
