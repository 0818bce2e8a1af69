package validator

import (
	"errors"
	"fmt"
	"sync"

	apperrors "topic-chat/backend/pkg/errors"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/gin-gonic/gin"
)

// OpenAPIValidator validates requests against an OpenAPI document
type OpenAPIValidator struct {
	doc        *openapi3.T
	router     routers.Router
	schemaPath string
	mutex      sync.RWMutex
}

// NewOpenAPIValidator loads and validates the document at schemaPath
func NewOpenAPIValidator(schemaPath string) (*OpenAPIValidator, error) {
	doc, router, err := load(schemaPath)
	if err != nil {
		return nil, err
	}
	return &OpenAPIValidator{
		doc:        doc,
		router:     router,
		schemaPath: schemaPath,
	}, nil
}

func load(path string) (*openapi3.T, routers.Router, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load OpenAPI schema from %s: %w", path, err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, nil, fmt.Errorf("invalid OpenAPI schema: %w", err)
	}
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating OpenAPI router: %w", err)
	}
	return doc, router, nil
}

// ReloadSchema reloads the document from disk
func (v *OpenAPIValidator) ReloadSchema() error {
	doc, router, err := load(v.schemaPath)
	if err != nil {
		return err
	}

	v.mutex.Lock()
	defer v.mutex.Unlock()
	v.doc = doc
	v.router = router
	return nil
}

// Middleware rejects requests that do not match their operation with
// INVALID_INPUT. Routes missing from the document pass through.
func (v *OpenAPIValidator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		v.mutex.RLock()
		router := v.router
		v.mutex.RUnlock()

		route, pathParams, err := router.FindRoute(c.Request)
		if err != nil {
			c.Next()
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    c.Request,
			PathParams: pathParams,
			Route:      route,
			Options: &openapi3filter.Options{
				AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
				MultiError:         true,
			},
		}
		if err := openapi3filter.ValidateRequest(c.Request.Context(), input); err != nil {
			_ = c.Error(apperrors.InvalidInput("request does not match the API schema").
				WithDetails(describe(err)))
			c.Abort()
			return
		}

		c.Next()
	}
}

// describe flattens validation errors into one message per problem
func describe(err error) []string {
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		out := make([]string, 0, len(multi))
		for _, e := range multi {
			out = append(out, describe(e)...)
		}
		return out
	}
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.Parameter != nil && reqErr.Reason != "" {
			return []string{fmt.Sprintf("parameter %q: %s", reqErr.Parameter.Name, reqErr.Reason)}
		}
		return []string{reqErr.Error()}
	}
	return []string{err.Error()}
}
