package management

import (
	"fmt"
	"net/url"
	"strings"

	"orderhooks/pkg/cel"
)

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("url host is required")
	}
	return nil
}

func validateFilter(evaluator *cel.Evaluator, filter string) error {
	if strings.TrimSpace(filter) == "" {
		return nil
	}
	if err := evaluator.ValidateFilterExpression(filter); err != nil {
		return fmt.Errorf("invalid filter expression: %w", err)
	}
	return nil
}

func ValidateCreateSubscription(evaluator *cel.Evaluator, req CreateSubscriptionRequest) error {
	if strings.TrimSpace(req.URL) == "" {
		return fmt.Errorf("url is required")
	}
	if err := validateURL(req.URL); err != nil {
		return err
	}
	if strings.TrimSpace(req.EventType) == "" {
		return fmt.Errorf("event_type is required")
	}
	return validateFilter(evaluator, req.Filter)
}

func ValidateUpdateSubscription(evaluator *cel.Evaluator, req UpdateSubscriptionRequest) error {
	if req.URL != nil {
		if err := validateURL(*req.URL); err != nil {
			return err
		}
	}
	if req.EventType != nil && strings.TrimSpace(*req.EventType) == "" {
		return fmt.Errorf("event_type cannot be empty")
	}
	if req.Secret != nil && *req.Secret == "" {
		return fmt.Errorf("secret cannot be empty")
	}
	if req.Filter != nil {
		return validateFilter(evaluator, *req.Filter)
	}
	return nil
}
