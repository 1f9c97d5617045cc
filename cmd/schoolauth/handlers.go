package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Onyx48/schoolauth/internal/recovery"
	"github.com/Onyx48/schoolauth/internal/users"
	"github.com/go-playground/validator/v10"
)

const (
	// The forgot endpoint answers identically whether or not the
	// account exists.
	msgOTPSent = "If an account exists for this e-mail, an OTP has been sent."

	msgUnavailable = "Service temporarily unavailable. Please try later."
)

var validate = validator.New()

type httpResp struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type forgotReq struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

type verifyReq struct {
	Email string `json:"email" validate:"required,email,max=254"`
	OTP   string `json:"otp" validate:"required,len=6,numeric"`
}

type resetReq struct {
	Email       string `json:"email" validate:"required,email,max=254"`
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=8,max=72"`
}

type verifyResp struct {
	AttemptsLeft     int    `json:"attempts_left"`
	CanResetPassword bool   `json:"can_reset_password"`
	ResetToken       string `json:"reset_token,omitempty"`
}

type lockoutResp struct {
	LockoutUntil     int64 `json:"lockout_until"`
	CanResetPassword bool  `json:"can_reset_password"`
}

func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)

	if err := app.store.Ping(r.Context()); err != nil {
		sendErrorResponse(w, "Unable to reach store.", http.StatusServiceUnavailable, nil)
		return
	}

	sendResponse(w, "OK")
}

// handleForgotPassword issues a fresh OTP for an account identifier,
// unless the identifier is locked out. The response never reveals
// whether the account exists.
func handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		req forgotReq
	)
	if !decodeAndValidate(w, r, &req) {
		return
	}

	lock, err := app.svc.CheckLockout(r.Context(), req.Email)
	if err != nil {
		sendErrorResponse(w, msgUnavailable, http.StatusServiceUnavailable, nil)
		return
	}
	if lock.Locked {
		sendErrorResponse(w,
			fmt.Sprintf("Too many attempts. Try again in %d minutes.", lock.RemainingMinutes()),
			http.StatusTooManyRequests,
			lockoutResp{LockoutUntil: lock.Until.UnixMilli()})
		return
	}

	// Look the account up without leaking existence: unknown accounts
	// get the same generic response, with no OTP state created.
	id := recovery.NormalizeIdentifier(req.Email)
	if _, err := app.users.GetByEmail(r.Context(), id); err != nil {
		if errors.Is(err, users.ErrNotExist) {
			sendResponse(w, struct {
				Message string `json:"message"`
			}{msgOTPSent})
			return
		}
		app.lo.Error("error looking up account", "error", err)
		sendErrorResponse(w, msgUnavailable, http.StatusServiceUnavailable, nil)
		return
	}

	if err := app.svc.Request(r.Context(), req.Email); err != nil {
		if errors.Is(err, recovery.ErrUnavailable) {
			sendErrorResponse(w, msgUnavailable, http.StatusServiceUnavailable, nil)
			return
		}
		sendErrorResponse(w, "Error sending OTP. Please try again.", http.StatusInternalServerError, nil)
		return
	}

	sendResponse(w, struct {
		Message string `json:"message"`
	}{msgOTPSent})
}

// handleVerifyOTP checks the user input against the pending OTP and
// advances the attempt/lockout state machine.
func handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		req verifyReq
	)
	if !decodeAndValidate(w, r, &req) {
		return
	}

	lock, err := app.svc.CheckLockout(r.Context(), req.Email)
	if err != nil {
		sendErrorResponse(w, msgUnavailable, http.StatusServiceUnavailable, nil)
		return
	}
	if lock.Locked {
		sendErrorResponse(w,
			fmt.Sprintf("Too many attempts. Try again in %d minutes.", lock.RemainingMinutes()),
			http.StatusTooManyRequests,
			lockoutResp{LockoutUntil: lock.Until.UnixMilli()})
		return
	}

	res, err := app.svc.Verify(r.Context(), req.Email, req.OTP)
	if err != nil {
		sendErrorResponse(w, msgUnavailable, http.StatusServiceUnavailable, nil)
		return
	}

	switch res.Status {
	case recovery.VerifyOK:
		sendResponse(w, verifyResp{
			CanResetPassword: true,
			ResetToken:       res.ResetToken,
		})
	case recovery.VerifyNotFound:
		sendErrorResponse(w, "OTP expired or not found. Please request a new one.",
			http.StatusBadRequest, verifyResp{AttemptsLeft: res.AttemptsLeft})
	case recovery.VerifyMismatch:
		sendErrorResponse(w,
			fmt.Sprintf("Incorrect OTP. %d attempts left.", res.AttemptsLeft),
			http.StatusBadRequest, verifyResp{AttemptsLeft: res.AttemptsLeft})
	case recovery.VerifyLocked:
		sendErrorResponse(w, "Too many attempts. The account is temporarily locked.",
			http.StatusTooManyRequests,
			lockoutResp{LockoutUntil: res.LockedUntil.UnixMilli()})
	}
}

// handleResetPassword redeems a reset token minted by a successful
// verification and replaces the account credential.
func handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		req resetReq
	)
	if !decodeAndValidate(w, r, &req) {
		return
	}

	if err := app.svc.Reset(r.Context(), req.Email, req.Token, req.NewPassword); err != nil {
		switch {
		case errors.Is(err, recovery.ErrInvalidToken):
			sendErrorResponse(w, "Invalid or expired reset token.", http.StatusUnauthorized, nil)
		case errors.Is(err, recovery.ErrUnavailable):
			sendErrorResponse(w, msgUnavailable, http.StatusServiceUnavailable, nil)
		default:
			app.lo.Error("error resetting password", "error", err)
			sendErrorResponse(w, "Error resetting password.", http.StatusInternalServerError, nil)
		}
		return
	}

	sendResponse(w, struct {
		Message string `json:"message"`
	}{"Password updated. You can now sign in."})
}

// decodeAndValidate parses a JSON request body and runs the validate
// tags on it, answering a 400 on failure.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		sendErrorResponse(w, "Invalid JSON body.", http.StatusBadRequest, nil)
		return false
	}

	if err := validate.Struct(out); err != nil {
		var (
			ve   validator.ValidationErrors
			msgs []string
		)
		if errors.As(err, &ve) {
			for _, fe := range ve {
				msgs = append(msgs, fmt.Sprintf("field '%s' failed '%s'", fe.Field(), fe.Tag()))
			}
		} else {
			msgs = append(msgs, err.Error())
		}
		sendErrorResponse(w, strings.Join(msgs, "; "), http.StatusBadRequest, nil)
		return false
	}

	return true
}

// wrap is a middleware that wraps HTTP handlers and injects the "app" context.
func wrap(app *App, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), "app", app)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sendResponse sends a JSON envelope to the HTTP response.
func sendResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	out, err := json.Marshal(httpResp{Status: "success", Data: data})
	if err != nil {
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		return
	}

	w.Write(out)
}

// sendErrorResponse sends a JSON error envelope to the HTTP response.
func sendErrorResponse(w http.ResponseWriter, message string, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)

	resp := httpResp{Status: "error",
		Message: message,
		Data:    data}
	out, _ := json.Marshal(resp)
	w.Write(out)
}
