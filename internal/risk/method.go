package risk

import (
	"fmt"
	"math"

	"github.com/finsrisk/var-engine/internal/model"
)

// Method is the closed set of VaR methods. Only the types in this package
// implement it: Parametric, Historical and MonteCarlo.
type Method interface {
	Name() model.MethodName
	Params() model.VaRParameters
	validate(maxSimulations int) error
}

// Parametric is variance-covariance VaR over current-weight portfolio returns.
type Parametric struct {
	Confidence  float64
	HorizonDays int
}

// Historical is empirical-quantile VaR over realized portfolio returns.
type Historical struct {
	Confidence  float64
	HorizonDays int
}

// MonteCarlo is full-revaluation VaR over correlated normal return shocks.
type MonteCarlo struct {
	Confidence  float64
	HorizonDays int
	Simulations int
}

func (Parametric) Name() model.MethodName { return model.MethodParametric }
func (Historical) Name() model.MethodName { return model.MethodHistorical }
func (MonteCarlo) Name() model.MethodName { return model.MethodMonteCarlo }

func (m Parametric) Params() model.VaRParameters {
	return model.VaRParameters{Confidence: m.Confidence, HorizonDays: m.HorizonDays}
}

func (m Historical) Params() model.VaRParameters {
	return model.VaRParameters{Confidence: m.Confidence, HorizonDays: m.HorizonDays}
}

func (m MonteCarlo) Params() model.VaRParameters {
	return model.VaRParameters{Confidence: m.Confidence, HorizonDays: m.HorizonDays, Simulations: m.Simulations}
}

func (m Parametric) validate(int) error { return validateCommon(m.Confidence, m.HorizonDays) }
func (m Historical) validate(int) error { return validateCommon(m.Confidence, m.HorizonDays) }

func (m MonteCarlo) validate(maxSimulations int) error {
	if err := validateCommon(m.Confidence, m.HorizonDays); err != nil {
		return err
	}
	if m.Simulations < 1 {
		return fmt.Errorf("%w: simulations must be >= 1, got %d", model.ErrInvalidParameters, m.Simulations)
	}
	if maxSimulations > 0 && m.Simulations > maxSimulations {
		return fmt.Errorf("%w: simulations must be <= %d, got %d", model.ErrInvalidParameters, maxSimulations, m.Simulations)
	}
	return nil
}

func validateCommon(confidence float64, horizonDays int) error {
	if math.IsNaN(confidence) || confidence <= 0 || confidence >= 1 {
		return fmt.Errorf("%w: confidence must be in (0,1), got %v", model.ErrInvalidParameters, confidence)
	}
	if horizonDays < 1 {
		return fmt.Errorf("%w: horizon_days must be >= 1, got %d", model.ErrInvalidParameters, horizonDays)
	}
	return nil
}

// MethodFromParams maps a persisted method tag and its parameters to a
// Method. This is the only place the string tag is inspected.
func MethodFromParams(name model.MethodName, p model.VaRParameters) (Method, error) {
	switch name {
	case model.MethodParametric:
		return Parametric{Confidence: p.Confidence, HorizonDays: p.HorizonDays}, nil
	case model.MethodHistorical:
		return Historical{Confidence: p.Confidence, HorizonDays: p.HorizonDays}, nil
	case model.MethodMonteCarlo:
		return MonteCarlo{Confidence: p.Confidence, HorizonDays: p.HorizonDays, Simulations: p.Simulations}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported method %q", model.ErrInvalidParameters, name)
	}
}

// Async reports whether m must run outside the request path.
func Async(m Method) bool {
	_, ok := m.(MonteCarlo)
	return ok
}
