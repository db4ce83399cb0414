package api

import (
	"fmt"
	"net/http"

	"github.com/mattjoyce/bascule/internal/script"
)

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.registry.All()))
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document describing the manual
// dispatch surface: one operation per registered template, all of them
// pointing at POST /dispatch.
func buildOpenAPIDoc(templates []*script.Template) map[string]any {
	operations := map[string]any{}
	for _, t := range templates {
		operations[t.ID] = buildTemplateOperation(t)
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Bascule Bridge",
			"version": "1.0",
		},
		"paths": map[string]any{
			"/dispatch": map[string]any{
				"post": map[string]any{
					"operationId": "dispatch",
					"summary":     "Dispatch one script template against the automation engine",
					"responses": map[string]any{
						"200": map[string]any{"description": "Dispatch succeeded"},
						"400": map[string]any{"description": "Validation failed"},
						"403": map[string]any{"description": "Boundary policy violation or insufficient scope"},
						"503": map[string]any{"description": "Circuit open or pool exhausted"},
					},
					"security": []any{map[string]any{"BearerAuth": []string{}}},
				},
			},
		},
		"components": map[string]any{
			"schemas": map[string]any{
				"templates": operations,
			},
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

// buildTemplateOperation describes one template's parameter contract as a
// JSON schema fragment.
func buildTemplateOperation(t *script.Template) map[string]any {
	properties := map[string]any{}
	var required []string

	for _, p := range t.Params {
		prop := map[string]any{"type": schemaType(p.Type)}
		if p.Min != nil {
			prop["minimum"] = *p.Min
		}
		if p.Max != nil {
			prop["maximum"] = *p.Max
		}
		if p.Pattern != "" {
			prop["pattern"] = p.Pattern
		}
		if p.Kind != script.KindPlain && p.Kind != "" {
			prop["description"] = fmt.Sprintf("kind: %s", p.Kind)
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}

	summary := t.Description
	if summary == "" {
		summary = t.ID
	}

	return map[string]any{
		"summary":  summary,
		"category": string(t.Category),
		"params":   schema,
	}
}

func schemaType(t script.ParamType) string {
	switch t {
	case script.ParamInt:
		return "integer"
	case script.ParamFloat:
		return "number"
	case script.ParamBool:
		return "boolean"
	default:
		return "string"
	}
}
