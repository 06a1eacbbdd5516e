// Command race_check hammers a single section with concurrent registration
// requests and verifies the responses against the capacity invariant: at
// most `capacity` ENROLLED grants, everyone else WAITLISTED, no duplicates.
// Intended to run against a freshly seeded environment.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

type registerPayload struct {
	StudentID string `json:"student_id"`
	SectionID string `json:"section_id"`
}

type envelope struct {
	Data struct {
		Status string `json:"status"`
	} `json:"data"`
	Error *struct {
		Code string `json:"code"`
	} `json:"error"`
}

type outcome struct {
	StudentID string
	Status    int
	Result    string
	Err       error
	Duration  time.Duration
}

func main() {
	var (
		base      string
		token     string
		sectionID string
		students  int
		capacity  int
		timeout   time.Duration
	)

	flag.StringVar(&base, "base", "http://localhost:8080/api/v1", "API base URL")
	flag.StringVar(&token, "token", "", "Bearer token of a registrar account")
	flag.StringVar(&sectionID, "section", "", "Target section id")
	flag.IntVar(&students, "students", 50, "Number of concurrent registrations")
	flag.IntVar(&capacity, "capacity", 30, "Declared capacity of the section")
	flag.DurationVar(&timeout, "timeout", 10*time.Second, "HTTP client timeout")
	flag.Parse()

	if token == "" || sectionID == "" {
		log.Fatal("both -token and -section are required")
	}

	client := &http.Client{Timeout: timeout}
	outcomes := make([]outcome, students)

	var wg sync.WaitGroup
	for i := 0; i < students; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = register(client, base, token, sectionID, fmt.Sprintf("race-stu-%03d", i))
		}(i)
	}
	wg.Wait()

	enrolled, waitlisted, rejected, failed := 0, 0, 0, 0
	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			failed++
			fmt.Printf("  %s: request error: %v\n", o.StudentID, o.Err)
		case o.Result == "ENROLLED":
			enrolled++
		case o.Result == "WAITLISTED":
			waitlisted++
		default:
			rejected++
			fmt.Printf("  %s: HTTP %d (%s)\n", o.StudentID, o.Status, o.Result)
		}
	}

	fmt.Printf("enrolled=%d waitlisted=%d rejected=%d failed=%d\n", enrolled, waitlisted, rejected, failed)
	if enrolled > capacity {
		fmt.Printf("CAPACITY VIOLATION: %d enrolled against capacity %d\n", enrolled, capacity)
		os.Exit(1)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func register(client *http.Client, base, token, sectionID, studentID string) outcome {
	body, _ := json.Marshal(registerPayload{StudentID: studentID, SectionID: sectionID})
	req, err := http.NewRequest(http.MethodPost, base+"/registrations", bytes.NewReader(body))
	if err != nil {
		return outcome{StudentID: studentID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return outcome{StudentID: studentID, Err: err}
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return outcome{StudentID: studentID, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}

	result := env.Data.Status
	if env.Error != nil {
		result = env.Error.Code
	}
	return outcome{
		StudentID: studentID,
		Status:    resp.StatusCode,
		Result:    result,
		Duration:  time.Since(start),
	}
}
