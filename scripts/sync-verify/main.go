package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"reflect"
	"strings"
	"time"
)

// Drives two daemon instances pointed at the same remote store and verifies
// they converged: both drained, then every collection reads byte-equal after
// normalization. Exit code 1 signals divergence.

var collections = []string{"students", "groups", "attendance", "assessments"}

type instance struct {
	base  string
	token string
}

type result struct {
	Collection string
	Match      bool
	CountA     int
	CountB     int
	Error      error
}

func main() {
	var (
		baseA    string
		baseB    string
		username string
		password string
		timeout  time.Duration
		settle   time.Duration
	)

	flag.StringVar(&baseA, "a", "http://localhost:8080", "first daemon base URL")
	flag.StringVar(&baseB, "b", "http://localhost:8081", "second daemon base URL")
	flag.StringVar(&username, "username", "", "login username (must exist on both instances)")
	flag.StringVar(&password, "password", "", "login password")
	flag.DurationVar(&timeout, "timeout", 5*time.Second, "HTTP client timeout")
	flag.DurationVar(&settle, "settle", 30*time.Second, "how long to wait for both queues to drain")
	flag.Parse()

	if username == "" || password == "" {
		log.Fatal("both -username and -password are required")
	}

	client := &http.Client{Timeout: timeout}

	a, err := connect(client, baseA, username, password)
	if err != nil {
		log.Fatalf("instance A: %v", err)
	}
	b, err := connect(client, baseB, username, password)
	if err != nil {
		log.Fatalf("instance B: %v", err)
	}

	if err := waitSettled(client, a, settle); err != nil {
		log.Fatalf("instance A never settled: %v", err)
	}
	if err := waitSettled(client, b, settle); err != nil {
		log.Fatalf("instance B never settled: %v", err)
	}

	var diverged int
	var results []result
	for _, c := range collections {
		res := compareCollection(client, a, b, c)
		if res.Error != nil || !res.Match {
			diverged++
		}
		results = append(results, res)
	}

	printReport(results)
	if diverged > 0 {
		os.Exit(1)
	}
}

func connect(client *http.Client, base, username, password string) (*instance, error) {
	payload, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := client.Post(strings.TrimRight(base, "/")+"/api/v1/auth/login", "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login returned %d", resp.StatusCode)
	}

	var envelope struct {
		Data struct {
			AccessToken string `json:"access_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode login response: %w", err)
	}
	if envelope.Data.AccessToken == "" {
		return nil, fmt.Errorf("login returned no token")
	}
	return &instance{base: strings.TrimRight(base, "/"), token: envelope.Data.AccessToken}, nil
}

// waitSettled polls the status surface until the instance is online with an
// empty queue. Comparing before both instances drained would report phantom
// divergence.
func waitSettled(client *http.Client, inst *instance, settle time.Duration) error {
	deadline := time.Now().Add(settle)
	for {
		body, status, err := get(client, inst, "/api/v1/sync/status")
		if err == nil && status == http.StatusOK {
			var envelope struct {
				Data struct {
					State         string `json:"state"`
					PendingWrites int    `json:"pending_writes"`
				} `json:"data"`
			}
			if jsonErr := json.Unmarshal(body, &envelope); jsonErr == nil {
				if envelope.Data.State == "online" && envelope.Data.PendingWrites == 0 {
					return nil
				}
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("still not online with empty queue after %s", settle)
		}
		time.Sleep(time.Second)
	}
}

func compareCollection(client *http.Client, a, b *instance, collection string) result {
	res := result{Collection: collection}
	path := fmt.Sprintf("/api/v1/%s?page=1&limit=10000", collection)

	bodyA, statusA, err := get(client, a, path)
	if err != nil {
		res.Error = fmt.Errorf("instance A: %w", err)
		return res
	}
	bodyB, statusB, err := get(client, b, path)
	if err != nil {
		res.Error = fmt.Errorf("instance B: %w", err)
		return res
	}
	if statusA != http.StatusOK || statusB != http.StatusOK {
		res.Error = fmt.Errorf("list returned %d / %d", statusA, statusB)
		return res
	}

	dataA, countA, err := extractData(bodyA)
	if err != nil {
		res.Error = fmt.Errorf("instance A: %w", err)
		return res
	}
	dataB, countB, err := extractData(bodyB)
	if err != nil {
		res.Error = fmt.Errorf("instance B: %w", err)
		return res
	}

	res.CountA = countA
	res.CountB = countB
	normalize(&dataA)
	normalize(&dataB)
	res.Match = reflect.DeepEqual(dataA, dataB)
	return res
}

func get(client *http.Client, inst *instance, path string) ([]byte, int, error) {
	req, err := http.NewRequest(http.MethodGet, inst.base+path, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+inst.token)
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func extractData(body []byte) (interface{}, int, error) {
	var envelope struct {
		Data []interface{} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, 0, fmt.Errorf("decode list: %w", err)
	}
	return interface{}(envelope.Data), len(envelope.Data), nil
}

// normalize folds whole-number floats to ints and strips the synced flag,
// which is per-instance bookkeeping rather than record content.
func normalize(v *interface{}) {
	switch val := (*v).(type) {
	case map[string]interface{}:
		delete(val, "synced")
		for k, v2 := range val {
			normalize(&v2)
			val[k] = v2
		}
	case []interface{}:
		for i, v2 := range val {
			normalize(&v2)
			val[i] = v2
		}
	case float64:
		if val == float64(int64(val)) {
			*v = int64(val)
		}
	}
}

func printReport(results []result) {
	fmt.Println("Convergence Report")
	fmt.Println("==================")
	for _, res := range results {
		status := "OK"
		if res.Error != nil {
			status = "ERROR"
		} else if !res.Match {
			status = "DIVERGED"
		}
		fmt.Printf("[%s] %s\n", status, res.Collection)
		if res.Error != nil {
			fmt.Printf("  Error: %v\n", res.Error)
			continue
		}
		fmt.Printf("  Records: %d vs %d | Match: %t\n", res.CountA, res.CountB, res.Match)
	}
}
