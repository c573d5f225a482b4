package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// OpenAPISpec returns the OpenAPI 3.0 specification for the ingestion service.
func OpenAPISpec() map[string]interface{} {
	return map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":       "Wine Inventory Ingestion Service",
			"description": "Multi-stage wine-inventory ingestion pipeline, movement ledger, and snapshot API",
			"version":     "1.0.0",
		},
		"servers": []map[string]interface{}{
			{"url": "http://localhost:8080", "description": "Local development"},
		},
		"paths": openAPIPaths(),
		"components": map[string]interface{}{
			"securitySchemes": map[string]interface{}{
				"ApiKeyAuth": map[string]interface{}{
					"type":         "http",
					"scheme":       "bearer",
					"description":  "Ingestion/admin API key",
				},
				"ViewerToken": map[string]interface{}{
					"type":        "apiKey",
					"in":          "query",
					"name":        "token",
					"description": "Opaque short-lived tenant-bound viewer token",
				},
			},
			"schemas": openAPISchemas(),
		},
		"tags": []map[string]interface{}{
			{"name": "Ingestion", "description": "Document upload and job polling"},
			{"name": "Movement", "description": "Synchronous inventory movements"},
			{"name": "Snapshot", "description": "Viewer-token-authenticated read model"},
			{"name": "Admin", "description": "Ops visibility and viewer token issuance"},
		},
	}
}

func openAPIPaths() map[string]interface{} {
	return map[string]interface{}{
		"/v1/ingest": map[string]interface{}{
			"post": map[string]interface{}{
				"tags":        []string{"Ingestion"},
				"summary":     "Upload a wine-inventory document",
				"security":    []map[string]interface{}{{"ApiKeyAuth": []string{}}},
				"requestBody": map[string]interface{}{"content": map[string]interface{}{"multipart/form-data": map[string]interface{}{}}},
				"responses": map[string]interface{}{
					"202": map[string]interface{}{"description": "Job accepted for processing"},
					"200": map[string]interface{}{"description": "Idempotent replay of a prior submission"},
					"400": map[string]interface{}{"description": "Empty, oversize, or unsupported file"},
				},
			},
		},
		"/v1/jobs/{jobID}": map[string]interface{}{
			"get": map[string]interface{}{
				"tags":     []string{"Ingestion"},
				"summary":  "Poll ingestion job status",
				"security": []map[string]interface{}{{"ApiKeyAuth": []string{}}},
				"responses": map[string]interface{}{
					"200": map[string]interface{}{"description": "Current job state"},
					"404": map[string]interface{}{"description": "Unknown job id"},
				},
			},
		},
		"/v1/movements": map[string]interface{}{
			"post": map[string]interface{}{
				"tags":     []string{"Movement"},
				"summary":  "Apply a consumo or rifornimento movement",
				"security": []map[string]interface{}{{"ApiKeyAuth": []string{}}},
				"responses": map[string]interface{}{
					"200": map[string]interface{}{"description": "Movement applied"},
					"404": map[string]interface{}{"description": "Wine not found"},
					"409": map[string]interface{}{"description": "Insufficient quantity"},
				},
			},
		},
		"/v1/snapshot": map[string]interface{}{
			"get": map[string]interface{}{
				"tags":     []string{"Snapshot"},
				"summary":  "Read the current tenant inventory snapshot",
				"security": []map[string]interface{}{{"ViewerToken": []string{}}},
				"responses": map[string]interface{}{
					"200": map[string]interface{}{"description": "Rows and facets"},
					"401": map[string]interface{}{"description": "Missing or expired viewer token"},
				},
			},
		},
		"/v1/admin/viewer-tokens": map[string]interface{}{
			"post": map[string]interface{}{
				"tags":     []string{"Admin"},
				"summary":  "Mint a viewer token bound to a tenant",
				"security": []map[string]interface{}{{"ApiKeyAuth": []string{}}},
				"responses": map[string]interface{}{
					"200": map[string]interface{}{"description": "Issued token"},
				},
			},
		},
		"/v1/admin/pricing": map[string]interface{}{
			"get": map[string]interface{}{
				"tags":     []string{"Admin"},
				"summary":  "LLM pricing table visibility",
				"security": []map[string]interface{}{{"ApiKeyAuth": []string{}}},
				"responses": map[string]interface{}{
					"200": map[string]interface{}{"description": "Per-model pricing"},
				},
			},
		},
	}
}

func openAPISchemas() map[string]interface{} {
	return map[string]interface{}{
		"Error": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"status":        map[string]interface{}{"type": "string"},
				"error_message": map[string]interface{}{"type": "string"},
			},
		},
	}
}

// OpenAPIHandler serves the OpenAPI spec at /openapi.json.
func OpenAPIHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		spec := OpenAPISpec()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		json.NewEncoder(w).Encode(spec)
	}
}

// SwaggerUIHandler serves a minimal Swagger UI page.
func SwaggerUIHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		html := `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Wine Inventory Ingestion API</title>
    <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://cdn.jsdelivr.net/npm/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
    SwaggerUI({
        url: '/openapi.json',
        dom_id: '#swagger-ui',
        deepLinking: true,
        presets: [SwaggerUIBundle.presets.apis, SwaggerUIBundle.SwaggerUIStandalonePreset],
        layout: "BaseLayout"
    });
    </script>
</body>
</html>`
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, html)
	}
}
