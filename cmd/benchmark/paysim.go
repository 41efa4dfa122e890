package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// PaySimTransaction represents a row from the PaySim dataset.
type PaySimTransaction struct {
	Row            int
	Step           int
	Type           string
	Amount         float64
	NameOrig       string
	OldBalanceOrg  float64
	NewBalanceOrig float64
	NameDest       string
	IsFraud        bool
}

// paySimEpoch anchors PaySim steps (hours since simulation start).
var paySimEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

var requiredColumns = []string{"step", "type", "amount", "nameorig", "oldbalanceorg", "newbalanceorig", "namedest", "isfraud"}

func readPaySimCSV(path string, limit int, fraudOnly bool, sampleRate float64) ([]PaySimTransaction, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return parsePaySim(file, limit, fraudOnly, sampleRate)
}

func parsePaySim(r io.Reader, limit int, fraudOnly bool, sampleRate float64) ([]PaySimTransaction, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int)
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	var out []PaySimTransaction
	row, sampleCounter := 0, 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		row++
		if err != nil || len(record) < len(header) {
			continue
		}

		isFraud := record[col["isfraud"]] == "1"
		if fraudOnly && !isFraud {
			continue
		}
		if !isFraud && sampleRate < 1.0 {
			sampleCounter++
			if float64(sampleCounter%100)/100.0 >= sampleRate {
				continue
			}
		}

		step, _ := strconv.Atoi(record[col["step"]])
		amount, _ := strconv.ParseFloat(record[col["amount"]], 64)
		oldBalance, _ := strconv.ParseFloat(record[col["oldbalanceorg"]], 64)
		newBalance, _ := strconv.ParseFloat(record[col["newbalanceorig"]], 64)

		out = append(out, PaySimTransaction{
			Row:            row,
			Step:           step,
			Type:           record[col["type"]],
			Amount:         amount,
			NameOrig:       record[col["nameorig"]],
			OldBalanceOrg:  oldBalance,
			NewBalanceOrig: newBalance,
			NameDest:       record[col["namedest"]],
			IsFraud:        isFraud,
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// caseRequest maps a PaySim row onto a case subject. PaySim carries no
// geography, so only amount, velocity and behavioral signals apply.
func (tx PaySimTransaction) caseRequest() domain.CaseRequest {
	desc := ""
	if tx.OldBalanceOrg > 0 && tx.NewBalanceOrig == 0 {
		desc = "account drained"
	}
	return domain.CaseRequest{
		Subject: domain.Transaction{
			ID:          fmt.Sprintf("paysim-%d", tx.Row),
			Type:        strings.ToLower(tx.Type),
			SenderID:    tx.NameOrig,
			ReceiverID:  tx.NameDest,
			Amount:      tx.Amount,
			Currency:    "USD",
			Description: desc,
			Timestamp:   paySimEpoch.Add(time.Duration(tx.Step) * time.Hour),
		},
	}
}
