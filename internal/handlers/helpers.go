package handlers

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/eval-hub/bench-runner/internal/constants"
	"github.com/eval-hub/bench-runner/internal/executioncontext"
	"github.com/eval-hub/bench-runner/internal/http_wrappers"
	"github.com/eval-hub/bench-runner/internal/messages"
	"github.com/eval-hub/bench-runner/internal/serviceerrors"
	"github.com/eval-hub/bench-runner/pkg/api"
)

func CreatePage(total int, offset int, limit int, ctx *executioncontext.ExecutionContext, r http_wrappers.RequestWrapper) (*api.Page, error) {
	// Calculate pagination info

	hasNext := offset+limit < total
	var nextHref *api.HRef
	if hasNext {
		href, err := url.Parse(r.URI())
		if err != nil {
			ctx.Logger.Error("Failed to parse request URI", "uri", r.URI(), "error", err)
			return nil, serviceerrors.NewServiceError(messages.InternalServerError, "Error", err.Error())
		}
		q := href.Query()
		q.Set(constants.QUERY_PARAMETER_OFFSET, strconv.Itoa(offset+limit))
		href.RawQuery = q.Encode()
		nextHref = &api.HRef{Href: href.String()}
	}

	return &api.Page{
		First:      &api.HRef{Href: r.URI()},
		Next:       nextHref,
		Limit:      limit,
		TotalCount: total,
	}, nil
}

// queryValue returns the first value of a query parameter, trimmed.
func queryValue(r http_wrappers.RequestWrapper, name string) string {
	values := r.Query(name)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

// queryInt parses an integer query parameter within [min, max]. An absent
// parameter yields def.
func queryInt(r http_wrappers.RequestWrapper, name string, def int, min int, max int) (int, error) {
	value := queryValue(r, name)
	if value == "" {
		return def, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < min || n > max {
		return 0, serviceerrors.NewServiceError(messages.QueryParameterInvalid, "ParameterName", name, "Type", "integer between "+strconv.Itoa(min)+" and "+strconv.Itoa(max), "Value", value)
	}
	return n, nil
}

func pathValue(r http_wrappers.RequestWrapper, name string) (string, error) {
	value := strings.TrimSpace(r.PathValue(name))
	if value == "" {
		return "", serviceerrors.NewServiceError(messages.MissingPathParameter, "ParameterName", name)
	}
	return value, nil
}
