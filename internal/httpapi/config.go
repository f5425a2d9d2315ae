package httpapi

import "github.com/go-chi/cors"

// CORS configuration for the management surface. Defaults stay off;
// main wires values from the config file.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
)

// SetCORS configures the CORS middleware applied by NewMux.
func SetCORS(enabled bool, origins []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
}

func corsOptions() cors.Options {
	origins := corsAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:         300,
	}
}
