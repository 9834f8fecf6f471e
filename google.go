package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"google.golang.org/api/option"
)

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

// googleOptions returns client options for the Google APIs. An explicit
// credentials file wins; on Cloud Run the service account is used through
// Application Default Credentials.
func googleOptions(ctx context.Context, credentialsFile string) ([]option.ClientOption, error) {
	if credentialsFile != "" {
		return []option.ClientOption{option.WithCredentialsFile(credentialsFile)}, nil
	}
	if isCloudRun(ctx) {
		return nil, nil
	}
	return nil, errors.New("GOOGLE_CREDENTIALS_FILE required when not running in Cloud Run")
}
