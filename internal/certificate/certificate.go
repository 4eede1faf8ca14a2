package certificate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// namespace scopes certificate serials; the same request always maps to
// the same serial.
var namespace = uuid.MustParse("6f1c7a52-3d0b-5e8e-9a61-1f2c4b7d9e30")

// Generator produces certificate references of the form
// PREFIX-YYYY-<serial>. It keeps no state; the engine calls it at most
// once per request.
type Generator struct {
	Prefix string
	Now    func() time.Time
}

func (g Generator) GenerateCertificate(ctx context.Context, requestID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(requestID) == "" {
		return "", fmt.Errorf("certificate: request id is required")
	}
	prefix := strings.TrimSpace(g.Prefix)
	if prefix == "" {
		prefix = "CERT"
	}
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	serial := uuid.NewSHA1(namespace, []byte(requestID))
	return fmt.Sprintf("%s-%d-%s", prefix, now().UTC().Year(), strings.ToUpper(serial.String()[:13])), nil
}
