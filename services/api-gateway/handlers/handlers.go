// services/api-gateway/handlers/handlers.go
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/example/loan-payments-gateway/internal/gateway"
	"github.com/example/loan-payments-gateway/internal/ipn"
	"github.com/example/loan-payments-gateway/internal/payments"
	perr "github.com/example/loan-payments-gateway/pkg/errors"
	m "github.com/example/loan-payments-gateway/pkg/metrics"
)

const ServiceName = "api-gateway"

// NotificationsPath is the webhook route. It accepts POST deliveries only.
const NotificationsPath = "/notifications"

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Payments *payments.Service
	IPN      *ipn.Receiver
	Health   Pinger
	// CORSOrigins may call the business endpoints from a browser.
	CORSOrigins []string
	// IPNOrigins are the notification senders.
	IPNOrigins []string
}

// NewRouter wires every route. Business routes answer OPTIONS with an empty
// 204 and reject anything but POST.
func NewRouter(d Deps) http.Handler {
	r := mux.NewRouter()
	r.Use(m.Middleware(ServiceName))
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)

	api := cors.New(cors.Options{
		AllowedOrigins: d.CORSOrigins,
		AllowedMethods: []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	notify := cors.New(cors.Options{
		AllowedOrigins: d.IPNOrigins,
		AllowedMethods: []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})

	r.Handle("/token", api.Handler(postOnly(TokenHandler(d))))
	r.Handle("/register-callback", api.Handler(postOnly(RegisterCallbackHandler(d))))
	r.Handle("/submit-order", api.Handler(postOnly(SubmitOrderHandler(d))))
	r.Handle("/payment-status", api.Handler(postOnly(PaymentStatusHandler(d))))
	r.Handle(NotificationsPath, notify.Handler(postOnly(NotificationHandler(d))))

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", HealthHandler(d.Health)).Methods(http.MethodGet)

	// Preflight for everything else. A matcher func rather than Methods keeps
	// unknown paths on 404 instead of 405.
	r.MatcherFunc(func(req *http.Request, _ *mux.RouteMatch) bool {
		return req.Method == http.MethodOptions
	}).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
}

// postOnly answers OPTIONS without touching next and rejects non-POST.
func postOnly(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
		case http.MethodPost:
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
			next(w, r)
		default:
			w.Header().Set("Allow", "POST, OPTIONS")
			methodNotAllowed(w, r)
		}
	})
}

// TokenHandler returns the gateway's token body unmodified.
func TokenHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, err := d.Payments.GetToken(r.Context())
		if err != nil {
			writeFailure(w, err)
			return
		}
		if len(tok.Raw) > 0 {
			writeRaw(w, http.StatusOK, tok.Raw)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": tok.Value})
	}
}

func RegisterCallbackHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in RegisterCallbackIn
		if err := decode(r, &in); err != nil {
			writeFailure(w, err)
			return
		}
		nt, err := gateway.ParseNotificationType(in.NotificationType)
		if err != nil {
			writeFailure(w, err)
			return
		}
		if nt == gateway.NotifyGET && isOwnWebhook(in.URL) {
			writeFailure(w, perr.Validation("notification_type GET cannot target "+NotificationsPath+", which accepts POST only"))
			return
		}
		reg, err := d.Payments.RegisterCallback(r.Context(), in.URL, nt, in.Token)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, RegisterCallbackOut{RegistrationID: reg.ID})
	}
}

// isOwnWebhook reports whether raw points at this service's webhook route.
func isOwnWebhook(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.TrimRight(u.Path, "/") == NotificationsPath
}

func SubmitOrderHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in SubmitOrderIn
		if err := decode(r, &in); err != nil {
			writeFailure(w, err)
			return
		}
		order := in.Order
		if order == nil {
			order = in.OrderData
		}
		if in.Token == "" || order == nil {
			writeFailure(w, perr.Validation("missing token or order"))
			return
		}

		res, err := d.Payments.SubmitOrder(r.Context(), in.Token, *order)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, SubmitOrderOut{
			TrackingID:        res.TrackingID,
			MerchantReference: res.MerchantReference,
			RedirectURL:       res.RedirectURL,
		})
	}
}

// NotificationHandler is the gateway's webhook. A 200 means the delivery is
// stored; anything else makes the gateway redeliver.
func NotificationHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			writeFailure(w, perr.Wrap(perr.KindValidation, "unreadable request body", err))
			return
		}
		if _, err := d.IPN.Receive(r.Context(), r.Header.Get("Origin"), raw); err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, json.RawMessage(`{}`))
	}
}

func PaymentStatusHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in PaymentStatusIn
		if err := decode(r, &in); err != nil {
			writeFailure(w, err)
			return
		}
		view, err := d.Payments.PaymentStatus(r.Context(), in.MerchantReference)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func HealthHandler(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{
			"ok":      true,
			"service": ServiceName,
			"ts":      time.Now().UTC(),
		}
		status := http.StatusOK
		if p != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				out["ok"] = false
				out["ledger"] = err.Error()
				status = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, status, out)
	}
}
