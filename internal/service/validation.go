package service

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/iliyamo/showtime-booking/internal/model"
)

// SeatInput is one requested seat.  Number is a pointer so a missing
// seat_number is told apart from seat 0.
type SeatInput struct {
	Row    string `json:"seat_row" validate:"required,max=16"`
	Number *int   `json:"seat_number" validate:"required,min=0"`
}

// CreateBookingRequest is the input of both creation paths (hold and direct
// confirmed).  It is normalized and validated before any domain logic runs.
type CreateBookingRequest struct {
	ShowtimeID    string        `json:"showtime_id" validate:"required,max=64"`
	MovieID       string        `json:"movie_id" validate:"required,max=64"`
	CinemaID      string        `json:"cinema_id" validate:"required,max=64"`
	SalaID        string        `json:"sala_id" validate:"required,max=64"`
	SalaNumber    *int          `json:"sala_number" validate:"required,min=0"`
	Seats         []SeatInput   `json:"seats" validate:"required,min=1,dive"`
	User          model.UserRef `json:"user"`
	PaymentMethod string        `json:"payment_method" validate:"required,oneof=card cash yape plin stripe"`
	Source        string        `json:"source" validate:"required,oneof=web mobile kiosk partner"`
	PriceTotal    *float64      `json:"price_total" validate:"required,min=0,max=9999999999.99,cents"`
	Currency      string        `json:"currency" validate:"omitempty,len=3,alpha"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report fields by their JSON names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("cents", validCents)
	return v
}

// validCents accepts amounts with at most two decimal places, the scale the
// bookings table stores prices with.
func validCents(fl validator.FieldLevel) bool {
	f := strconv.FormatFloat(fl.Field().Float(), 'f', -1, 64)
	i := strings.IndexByte(f, '.')
	return i < 0 || len(f)-i-1 <= 2
}

// normalize trims identifiers, upper-cases row labels and the currency, and
// lower-cases the enumerated tags so " Card" and "card" are the same method.
func (r *CreateBookingRequest) normalize(defaultCurrency string) {
	r.ShowtimeID = strings.TrimSpace(r.ShowtimeID)
	r.MovieID = strings.TrimSpace(r.MovieID)
	r.CinemaID = strings.TrimSpace(r.CinemaID)
	r.SalaID = strings.TrimSpace(r.SalaID)
	r.User.ID = strings.TrimSpace(r.User.ID)
	r.User.Name = strings.TrimSpace(r.User.Name)
	r.User.Email = strings.TrimSpace(r.User.Email)
	r.User.Phone = strings.TrimSpace(r.User.Phone)
	r.PaymentMethod = strings.ToLower(strings.TrimSpace(r.PaymentMethod))
	r.Source = strings.ToLower(strings.TrimSpace(r.Source))
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	if r.Currency == "" {
		r.Currency = defaultCurrency
	}
	for i := range r.Seats {
		r.Seats[i].Row = model.NormalizeRowLabel(r.Seats[i].Row)
	}
}

// check validates the normalized request and returns a *ValidationError
// naming every offending field, or nil.
func (r *CreateBookingRequest) check() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Fields: []FieldError{{Field: "body", Reason: err.Error()}}}
	}
	out := &ValidationError{Fields: make([]FieldError, 0, len(verrs))}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{Field: fieldPath(fe), Reason: reason(fe)})
	}
	return out
}

// seats returns the requested seats in order with duplicates dropped.  Two
// inputs are duplicates when their seat keys are equal.
func (r *CreateBookingRequest) seats() []model.Seat {
	seen := make(map[string]struct{}, len(r.Seats))
	out := make([]model.Seat, 0, len(r.Seats))
	for _, in := range r.Seats {
		s := model.Seat{Row: in.Row, Number: *in.Number}.Normalized()
		if _, dup := seen[s.Key()]; dup {
			continue
		}
		seen[s.Key()] = struct{}{}
		out = append(out, s)
	}
	return out
}

// fieldPath drops the root struct name: "CreateBookingRequest.seats[0].seat_row"
// becomes "seats[0].seat_row".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("must contain at least %s item(s)", fe.Param())
		}
		return "must be >= " + fe.Param()
	case "max":
		if fe.Kind() == reflect.Float64 {
			return "must be <= " + fe.Param()
		}
		return "must be at most " + fe.Param() + " characters"
	case "cents":
		return "must have at most 2 decimal places"
	case "len":
		return "must be " + fe.Param() + " characters long"
	case "alpha":
		return "must contain letters only"
	}
	return "is invalid (" + fe.Tag() + ")"
}
