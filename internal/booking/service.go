package booking

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/vidaplus/clinica-ai/internal/assistant"
	"github.com/vidaplus/clinica-ai/pkg/logging"
)

// Service is the stand-in scheduling collaborator. It validates the collected
// slots and issues a protocol reference; integration with the clinic calendar
// system happens behind this boundary.
type Service struct {
	logger *logging.Logger
}

// NewService creates the booking collaborator.
func NewService(logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{logger: logger}
}

// Execute performs the requested operation and returns its protocol
// reference.
func (s *Service) Execute(ctx context.Context, intent assistant.Intent, userID string, slots map[string]assistant.SlotValue) (string, error) {
	for name, slot := range slots {
		if strings.TrimSpace(slot.Value) == "" {
			return "", fmt.Errorf("booking: slot %s is empty", name)
		}
	}

	ref := protocolRef()
	s.logger.Info("booking operation executed",
		"intent", string(intent),
		"user_id", userID,
		"reference_id", ref,
	)
	return ref, nil
}

// protocolRef builds a short human-readable protocol code.
func protocolRef() string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "VP-" + id[:8]
}
