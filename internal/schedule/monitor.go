package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// fetchProgress asks a running participant container for its progress report
func fetchProgress(ctx context.Context, client *http.Client, hostPort string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://localhost:%s/", hostPort), nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("progress endpoint returned %s", resp.Status)
	}

	var progress map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&progress); err != nil {
		return nil, fmt.Errorf("failed to decode progress: %w", err)
	}
	return progress, nil
}
