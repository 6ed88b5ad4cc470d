// Package params binds dossier template parameters to document drivers.
package params

import (
	"errors"
	"net/url"
	"strings"

	"github.com/aliskhannn/dossier-executor/internal/model"
)

var (
	ErrParameterCount    = errors.New("there are a different number of parameters/drivers between document and template")
	ErrParameterMismatch = errors.New("there is no match between document parameters and template parameters")
)

// Bind returns the query fragment "&name=value..." for the document drivers,
// one pair per driver in declared order.
//
// When every template parameter carries a value the values are decoded
// before encoding. Otherwise the raw values are encoded as they are.
func Bind(drivers []model.Driver, parameters []model.Parameter) (string, error) {
	if len(drivers) != len(parameters) {
		return "", ErrParameterCount
	}

	filled := true
	for _, p := range parameters {
		if !p.Filled() {
			filled = false
			break
		}
	}

	var sb strings.Builder
	for _, d := range drivers {
		p, ok := find(parameters, d.URLName)
		if !ok {
			return "", ErrParameterMismatch
		}

		value := p.Value
		if filled {
			value = Decode(value)
		}

		sb.WriteString("&")
		sb.WriteString(d.URLName)
		sb.WriteString("=")
		sb.WriteString(url.QueryEscape(value))
	}

	return sb.String(), nil
}

func find(parameters []model.Parameter, urlName string) (model.Parameter, bool) {
	for _, p := range parameters {
		if p.URLName == urlName {
			return p, true
		}
	}
	return model.Parameter{}, false
}
