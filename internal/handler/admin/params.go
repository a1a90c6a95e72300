package admin

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/rowanhq/brightside/internal/domain"
)

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, domain.Invalid("http.params", fmt.Sprintf("invalid %s", name))
	}
	return id, nil
}

// queryUUID parses an optional uuid query parameter; absent returns uuid.Nil.
func queryUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, domain.Invalid("http.params", fmt.Sprintf("invalid %s", name))
	}
	return id, nil
}

func queryTime(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, domain.Invalid("http.params", fmt.Sprintf("%s is required", name))
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, domain.Invalid("http.params", fmt.Sprintf("%s must be RFC 3339", name))
	}
	return t, nil
}

// queryDay parses a required YYYY-MM-DD query parameter into its parts.
func queryDay(r *http.Request, name string) (int, time.Month, int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, 0, 0, domain.Invalid("http.params", fmt.Sprintf("%s is required", name))
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return 0, 0, 0, domain.Invalid("http.params", fmt.Sprintf("%s must be YYYY-MM-DD", name))
	}
	return t.Year(), t.Month(), t.Day(), nil
}

func parseInt32(raw, name string) (int32, error) {
	n, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0, domain.Invalid("http.params", fmt.Sprintf("invalid %s", name))
	}
	return int32(n), nil
}

// queryClockMinutes parses an optional HH:MM query parameter into minutes from
// midnight. found is false when the parameter is absent.
func queryClockMinutes(r *http.Request, name string) (minutes int, found bool, err error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, false, nil
	}
	t, err := time.Parse("15:04", raw)
	if err != nil {
		return 0, false, domain.Invalid("http.params", fmt.Sprintf("%s must be HH:MM", name))
	}
	return t.Hour()*60 + t.Minute(), true, nil
}
