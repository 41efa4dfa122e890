package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type client struct {
	http    *http.Client
	baseURL string
	timeout time.Duration
}

func newClient(baseURL string, timeout time.Duration) *client {
	return &client{http: &http.Client{Timeout: 10 * time.Second}, baseURL: baseURL, timeout: timeout}
}

func (c *client) health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// investigate opens a case and waits until it is terminal or awaiting approval.
func (c *client) investigate(ctx context.Context, creq domain.CaseRequest) (*domain.CaseView, error) {
	body, err := json.Marshal(creq)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/cases", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	var created struct {
		CaseID string `json:"caseId"`
		Error  string `json:"error"`
	}
	err = json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("create case: status %d: %s", resp.StatusCode, created.Error)
	}
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	for {
		view, err := c.getCase(ctx, created.CaseID)
		if err != nil {
			return nil, err
		}
		if s := view.Case.State; s.IsTerminal() || s == domain.StateAwaitingApproval {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("case %s: %w", created.CaseID, ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (c *client) getCase(ctx context.Context, id string) (*domain.CaseView, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/cases/"+id, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get case: status %d", resp.StatusCode)
	}
	var view domain.CaseView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int64 // fraud reaching the positive level
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64 // missed fraud

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64
	AwaitingReview int64

	ProcessingTimeMs int64
}

// record classifies one finished case. A case without an assessment (for
// example FAILED before scoring) counts as not detected.
func (m *Metrics) record(view *domain.CaseView, fraud bool, positive domain.RiskLevel) bool {
	predicted := false
	if a := view.Case.Assessment(); a != nil {
		predicted = a.Level >= positive
	}
	if view.Case.State == domain.StateAwaitingApproval {
		atomic.AddInt64(&m.AwaitingReview, 1)
	}
	if fraud {
		atomic.AddInt64(&m.TotalFraud, 1)
	} else {
		atomic.AddInt64(&m.TotalNonFraud, 1)
	}

	switch {
	case predicted && fraud:
		atomic.AddInt64(&m.TruePositives, 1)
	case predicted && !fraud:
		atomic.AddInt64(&m.FalsePositives, 1)
	case !predicted && !fraud:
		atomic.AddInt64(&m.TrueNegatives, 1)
	default:
		atomic.AddInt64(&m.FalseNegatives, 1)
	}
	return predicted
}

// Precision, Recall, F1 and Accuracy return 0 when undefined.
func (m *Metrics) Precision() float64 { return ratio(m.TruePositives, m.TruePositives+m.FalsePositives) }
func (m *Metrics) Recall() float64    { return ratio(m.TruePositives, m.TruePositives+m.FalseNegatives) }

func (m *Metrics) F1() float64 {
	p, r := m.Precision(), m.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func (m *Metrics) Accuracy() float64 {
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	return ratio(m.TruePositives+m.TrueNegatives, total)
}

func ratio(a, b int64) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

func runBenchmark(ctx context.Context, c *client, rows []PaySimTransaction, numWorkers int, positive domain.RiskLevel, verbose bool) *Metrics {
	m := &Metrics{}
	work := make(chan PaySimTransaction, 100)
	var wg sync.WaitGroup

	for i := 0; i < max(numWorkers, 1); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tx := range work {
				start := time.Now()
				view, err := c.investigate(ctx, tx.caseRequest())
				atomic.AddInt64(&m.ProcessingTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&m.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&m.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: row %d -> %v\n", tx.Row, err)
					}
					continue
				}

				predicted := m.record(view, tx.IsFraud, positive)
				if verbose {
					mark := "ok"
					if predicted != tx.IsFraud {
						mark = "XX"
					}
					level, score := "-", 0.0
					if a := view.Case.Assessment(); a != nil {
						level, score = a.Level.String(), a.Score
					}
					fmt.Printf("%s row %-7d | %-8s | %12.2f | fraud %-5v | %-17s %-8s (%.1f)\n",
						mark, tx.Row, tx.Type, tx.Amount, tx.IsFraud, view.Case.State, level, score)
				}
			}
		}()
	}

	for _, tx := range rows {
		work <- tx
	}
	close(work)
	wg.Wait()
	return m
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Awaiting Review:  %d\n", m.AwaitingReview)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                    Detected   Missed")
	fmt.Printf("   Actual fraud     %8d %8d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("   Actual clean     %8d %8d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f\n", m.Precision())
	fmt.Printf("   Recall:     %.4f\n", m.Recall())
	fmt.Printf("   F1-Score:   %.4f\n", m.F1())
	fmt.Printf("   Accuracy:   %.4f\n", m.Accuracy())

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		fmt.Printf("   Avg Case Time:    %.2f ms\n", float64(m.ProcessingTimeMs)/float64(m.TotalProcessed))
		fmt.Printf("   Throughput:       %.2f cases/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}
	fmt.Println()
}
