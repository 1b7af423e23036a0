package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledger/internal/core"
	"ledger/internal/date"
)

// SchemaVersion is the version of the command payloads below. Requests that
// name a different version are rejected.
const SchemaVersion = 1

// Request is the envelope used by transports that carry the command name in
// the body.
type Request struct {
	Command string          `json:"command"`
	Version int             `json:"version,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Amount is a decimal given as a JSON number or a numeric string.
type Amount struct {
	decimal.Decimal
}

// maxAmountLength bounds the text of an amount before it is parsed.
const maxAmountLength = 64

const amountOutOfRange = "number out of range"

var amountType = reflect.TypeOf(Amount{})

func (a *Amount) UnmarshalJSON(b []byte) error {
	if len(b) > maxAmountLength {
		return &json.UnmarshalTypeError{Value: amountOutOfRange, Type: amountType}
	}
	s := string(b)
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		// The decoder fills in the field name of an UnmarshalTypeError.
		return &json.UnmarshalTypeError{Value: "non-numeric value " + string(b), Type: amountType}
	}
	if !core.AmountInRange(d, 0) {
		return &json.UnmarshalTypeError{Value: amountOutOfRange, Type: amountType}
	}
	a.Decimal = d
	return nil
}

// DateRange is an inclusive range of days as sent by clients.
type DateRange struct {
	From *string `json:"from"`
	To   *string `json:"to"`
}

type (
	idPayload struct {
		ID *int64 `json:"id"`
	}

	createAccountPayload struct {
		Name        *string `json:"name"`
		AccountType *string `json:"account_type"`
		Currency    *string `json:"currency"`
		Balance     *Amount `json:"balance"`
		Note        *string `json:"note"`
	}

	updateAccountPayload struct {
		ID          *int64  `json:"id"`
		Name        *string `json:"name"`
		AccountType *string `json:"account_type"`
		Note        *string `json:"note"`
		// Present only to reject them with a clear reason.
		Currency *string `json:"currency"`
		Balance  *Amount `json:"balance"`
	}

	createTransferPayload struct {
		FromAccountID *int64  `json:"from_account_id"`
		ToAccountID   *int64  `json:"to_account_id"`
		Amount        *Amount `json:"amount"`
		Category      *string `json:"category"`
		Note          *string `json:"note"`
		Timestamp     *string `json:"timestamp"`
	}

	createTransactionPayload struct {
		AccountID *int64  `json:"account_id"`
		Amount    *Amount `json:"amount"`
		Category  *string `json:"category"`
		Note      *string `json:"note"`
		Timestamp *string `json:"timestamp"`
	}

	getTransactionsPayload struct {
		AccountID *int64     `json:"account_id"`
		Category  *string    `json:"category"`
		DateRange *DateRange `json:"date_range"`
	}

	reverseTransactionPayload struct {
		ID         *int64 `json:"id"`
		Idempotent bool   `json:"idempotent"`
	}

	budgetPayload struct {
		ID       *int64  `json:"id"`
		Category *string `json:"category"`
		Currency *string `json:"currency"`
		Limit    *Amount `json:"limit"`
		Period   *string `json:"period"`
		StartsOn *string `json:"starts_on"`
		EndsOn   *string `json:"ends_on"`
		Note     *string `json:"note"`
	}

	budgetStatusPayload struct {
		BudgetID *int64  `json:"budget_id"`
		AsOf     *string `json:"as_of"`
	}

	chartSeriesPayload struct {
		Bucket    *string           `json:"bucket"`
		DateRange *DateRange        `json:"date_range"`
		Currency  *string           `json:"currency"`
		Rates     map[string]Amount `json:"rates"`
		AccountID *int64            `json:"account_id"`
	}

	verifyLedgerPayload struct {
		Repair bool `json:"repair"`
	}
)

// decode strictly parses payload into v. An empty payload decodes as {}.
func decode(payload []byte, v any) error {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		payload = []byte("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return decodeError(err)
	}
	if dec.More() {
		return core.Invalid("payload", "unexpected data after the JSON object")
	}
	return nil
}

func decodeError(err error) error {
	var (
		typeErr   *json.UnmarshalTypeError
		syntaxErr *json.SyntaxError
	)
	switch {
	case errors.As(err, &typeErr):
		field := typeErr.Field
		if field == "" {
			field = "payload"
		}
		if typeErr.Type == amountType {
			if typeErr.Value == amountOutOfRange {
				return core.Invalid(field, "out of range")
			}
			return core.Invalid(field, "must be a finite decimal number")
		}
		return core.Invalid(field, fmt.Sprintf("must be of type %s", typeErr.Type))
	case errors.As(err, &syntaxErr):
		return core.Invalid("payload", fmt.Sprintf("malformed JSON at offset %d", syntaxErr.Offset))
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		name, uerr := strconv.Unquote(strings.TrimPrefix(err.Error(), "json: unknown field "))
		if uerr != nil {
			name = "payload"
		}
		return core.Invalid(name, "unknown field")
	default:
		return core.Invalid("payload", err.Error())
	}
}

func requireID(field string, id *int64) (int64, error) {
	if id == nil {
		return 0, core.Invalid(field, "is required")
	}
	if *id <= 0 {
		return 0, core.Invalid(field, "must be positive")
	}
	return *id, nil
}

func optional(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func parseDate(field string, s *string) (*date.Date, error) {
	if s == nil {
		return nil, nil
	}
	d, err := date.Parse(*s)
	if err != nil {
		return nil, core.Invalid(field, err.Error())
	}
	return &d, nil
}

// parseTimestamp accepts RFC 3339 timestamps and plain dates (midnight UTC).
func parseTimestamp(s *string) (time.Time, error) {
	if s == nil || strings.TrimSpace(*s) == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(*s)); err == nil {
		return t.UTC(), nil
	}
	d, err := date.Parse(*s)
	if err != nil {
		return time.Time{}, core.Invalid("timestamp", "must be an RFC 3339 timestamp or a YYYY-MM-DD date")
	}
	return d.Time(), nil
}

func (r *DateRange) parse(field string) (date.Range, error) {
	if r.From == nil {
		return date.Range{}, core.Invalid(field+".from", "is required")
	}
	if r.To == nil {
		return date.Range{}, core.Invalid(field+".to", "is required")
	}
	from, err := parseDate(field+".from", r.From)
	if err != nil {
		return date.Range{}, err
	}
	to, err := parseDate(field+".to", r.To)
	if err != nil {
		return date.Range{}, err
	}
	rng := date.Range{From: *from, To: *to}
	if err := rng.Validate(); err != nil {
		return date.Range{}, core.Invalid(field, err.Error())
	}
	return rng, nil
}
