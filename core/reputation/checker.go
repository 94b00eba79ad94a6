package reputation

import (
	"context"
	"strings"

	"github.com/siherrmann/tipper/model"
)

// Checker decides whether an indicator is worth reporting as new.
// Confirmed benign values are not notable.
type Checker interface {
	IsNotable(ctx context.Context, value string, iocType model.IOCType) (bool, error)
}

// StaticChecker treats a fixed allow list as benign. Domains also match their subdomains.
type StaticChecker struct {
	benign map[model.IOCType]map[string]struct{}
}

// NewStaticChecker creates a StaticChecker from benign values per type
func NewStaticChecker(benign map[model.IOCType][]string) *StaticChecker {
	c := &StaticChecker{benign: make(map[model.IOCType]map[string]struct{}, len(benign))}
	for iocType, values := range benign {
		set := make(map[string]struct{}, len(values))
		for _, value := range values {
			if value = normalize(value); value != "" {
				set[value] = struct{}{}
			}
		}
		c.benign[iocType] = set
	}
	return c
}

func (c *StaticChecker) IsNotable(ctx context.Context, value string, iocType model.IOCType) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	set := c.benign[iocType]
	value = normalize(value)
	if _, ok := set[value]; ok {
		return false, nil
	}
	if iocType == model.IOCTypeDomain {
		for parent := value; ; {
			_, rest, found := strings.Cut(parent, ".")
			if !found {
				break
			}
			if _, ok := set[rest]; ok {
				return false, nil
			}
			parent = rest
		}
	}
	return true, nil
}

// Chain consults checkers in order. A value is notable only if no checker
// marks it as benign. The first error stops the chain.
type Chain []Checker

func (c Chain) IsNotable(ctx context.Context, value string, iocType model.IOCType) (bool, error) {
	for _, checker := range c {
		notable, err := checker.IsNotable(ctx, value, iocType)
		if err != nil {
			return false, err
		}
		if !notable {
			return false, nil
		}
	}
	return true, nil
}

func normalize(value string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(value)), ".")
}
