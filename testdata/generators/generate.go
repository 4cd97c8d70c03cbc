// Command generate writes a synthetic receipts file and a bank transaction
// file with known answers, for trying the matcher on realistic volumes:
//
//	go run ./testdata/generators -count 5000 -layout bank2 -output-dir /tmp/gen
//	matcher match -r /tmp/gen/receipts.csv -t /tmp/gen/transactions.csv
//
// answers.csv lists the receipt to transaction (or receipt) pairs that were
// planted, so a report can be scored against them.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"receipt-matching-service/internal/models"
	"receipt-matching-service/internal/parsers"
)

type merchant struct {
	receiptName string
	bankName    string
	category    string
	minAmount   float64
	maxAmount   float64
	recurring   bool
}

var merchants = []merchant{
	{"Starbucks", "SQ *STARBUCKS #1234 SEATTLE WA", "dining", 3, 15, false},
	{"Amazon", "AMZN Mktp US*2K4L81", "shopping", 8, 250, false},
	{"Shell", "SHELL OIL 57442", "fuel", 25, 90, false},
	{"Whole Foods Market", "WHOLEFDS MKT #10234", "groceries", 20, 180, false},
	{"Uber", "UBER *TRIP HELP.UBER.COM", "travel", 7, 60, false},
	{"Netflix", "NETFLIX.COM", "entertainment", 15.49, 15.49, true},
	{"Spotify", "Spotify USA", "entertainment", 10.99, 10.99, true},
	{"Chipotle", "CHIPOTLE 0812", "dining", 9, 30, false},
	{"Home Depot", "THE HOME DEPOT #4711", "home", 15, 400, false},
	{"CVS Pharmacy", "CVS/PHARMACY #0293", "health", 5, 80, false},
}

// scenario is the planted relationship of one receipt
type scenario string

const (
	scenarioExact     scenario = "exact"
	scenarioTip       scenario = "tip"
	scenarioLatePost  scenario = "late_post"
	scenarioDuplicate scenario = "duplicate"
	scenarioNoise     scenario = "unmatched"
)

type answer struct {
	receiptID string
	targetID  string
	scenario  scenario
}

type generator struct {
	rng    *rand.Rand
	start  time.Time
	days   int
	userID string
	layout *parsers.TransactionParserConfig

	receipts     [][]string
	transactions [][]string
	answers      []answer
}

func main() {
	var (
		outputDir = flag.String("output-dir", "generated", "output directory")
		count     = flag.Int("count", 1000, "number of receipts")
		seed      = flag.Int64("seed", time.Now().UnixNano(), "random seed for reproducible generation")
		layout    = flag.String("layout", "standard", "transaction layout: standard, bank1, bank2")
		startDate = flag.String("start-date", "2024-01-01", "first date (YYYY-MM-DD)")
		days      = flag.Int("days", 90, "number of days covered")
		userID    = flag.String("user", "u-1", "user ID written to every record")
	)
	flag.Parse()

	start, err := time.Parse(models.DateLayout, *startDate)
	if err != nil {
		log.Fatalf("Invalid start date: %v", err)
	}
	config := parsers.GetTransactionConfig(*layout)
	if config == nil {
		log.Fatalf("Unknown layout: %s", *layout)
	}
	if *count <= 0 || *days <= 0 {
		log.Fatalf("count and days must be positive")
	}
	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	g := &generator{
		rng:    rand.New(rand.NewSource(*seed)),
		start:  start,
		days:   *days,
		userID: *userID,
		layout: config,
	}
	g.generate(*count)

	files := []struct {
		name      string
		rows      [][]string
		delimiter rune
	}{
		{"receipts.csv", g.receipts, ','},
		{"transactions.csv", g.transactions, config.Delimiter},
		{"answers.csv", g.answerRows(), ','},
	}
	for _, f := range files {
		if err := writeCSV(filepath.Join(*outputDir, f.name), f.rows, f.delimiter); err != nil {
			log.Fatalf("Failed to write %s: %v", f.name, err)
		}
	}

	fmt.Printf("Generated %d receipts and %d transactions in %s\n", len(g.receipts)-1, len(g.transactions)-1, *outputDir)
	fmt.Printf("Layout: %s, seed: %d\n", config.Name, *seed)
}

func (g *generator) generate(count int) {
	g.receipts = [][]string{{"id", "user_id", "merchant", "amount", "date", "category", "source", "extraction_confidence", "created_at"}}
	g.transactions = [][]string{g.transactionHeader()}

	created := g.start
	var issued []string
	for i := 1; i <= count; i++ {
		m := merchants[g.rng.Intn(len(merchants))]
		receiptID := fmt.Sprintf("r-%06d", i)
		date := g.start.AddDate(0, 0, g.rng.Intn(g.days))
		amount := g.amount(m)
		created = created.Add(time.Duration(1+g.rng.Intn(600)) * time.Second)

		kind := g.pick(issued)
		switch kind {
		case scenarioDuplicate:
			// resubmission of an earlier receipt with a new extraction confidence
			original := issued[g.rng.Intn(len(issued))]
			row := append([]string(nil), g.receiptRow(original)...)
			row[0] = receiptID
			row[7] = fmt.Sprintf("%.2f", 0.6+g.rng.Float64()*0.4)
			row[8] = created.Format(time.RFC3339)
			g.receipts = append(g.receipts, row)
			g.answers = append(g.answers, answer{receiptID, original, kind})
			continue
		case scenarioNoise:
			g.addReceipt(receiptID, m, amount, date, created)
			g.answers = append(g.answers, answer{receiptID, "", kind})
		default:
			txID := fmt.Sprintf("t-%06d", i)
			posted := date
			charged := amount
			switch kind {
			case scenarioTip:
				tip := amount.Mul(decimal.NewFromFloat(0.15 + g.rng.Float64()*0.1)).Round(2)
				charged = amount.Add(tip)
			case scenarioLatePost:
				posted = date.AddDate(0, 0, 1+g.rng.Intn(3))
			}
			g.addReceipt(receiptID, m, amount, date, created)
			g.addTransaction(txID, m, charged, posted)
			g.answers = append(g.answers, answer{receiptID, txID, kind})
		}
		issued = append(issued, receiptID)
	}

	// bank lines without a receipt
	for i := 0; i < count/10; i++ {
		m := merchants[g.rng.Intn(len(merchants))]
		g.addTransaction(fmt.Sprintf("t-extra-%05d", i), m, g.amount(m), g.start.AddDate(0, 0, g.rng.Intn(g.days)))
	}
}

func (g *generator) pick(issued []string) scenario {
	roll := g.rng.Float64()
	switch {
	case roll < 0.05 && len(issued) > 0:
		return scenarioDuplicate
	case roll < 0.15:
		return scenarioNoise
	case roll < 0.25:
		return scenarioTip
	case roll < 0.45:
		return scenarioLatePost
	default:
		return scenarioExact
	}
}

func (g *generator) amount(m merchant) decimal.Decimal {
	if m.recurring || m.maxAmount <= m.minAmount {
		return decimal.NewFromFloat(m.minAmount).Round(2)
	}
	return decimal.NewFromFloat(m.minAmount + g.rng.Float64()*(m.maxAmount-m.minAmount)).Round(2)
}

func (g *generator) addReceipt(id string, m merchant, amount decimal.Decimal, date, created time.Time) {
	name := m.receiptName
	if g.rng.Intn(10) == 0 {
		name = strings.ToUpper(name)
	}
	g.receipts = append(g.receipts, []string{
		id, g.userID, name, amount.StringFixed(2), date.Format(models.DateLayout), m.category,
		string(models.SourcePhoto), fmt.Sprintf("%.2f", 0.7+g.rng.Float64()*0.3), created.Format(time.RFC3339),
	})
}

func (g *generator) receiptRow(id string) []string {
	for _, row := range g.receipts[1:] {
		if row[0] == id {
			return row
		}
	}
	return nil
}

func (g *generator) transactionHeader() []string {
	header := []string{g.layout.IDColumn, g.layout.DescriptionColumn, g.layout.AmountColumn, g.layout.DateColumn}
	if g.layout.UserIDColumn != "" {
		header = append(header, g.layout.UserIDColumn)
	}
	if g.layout.CategoryColumn != "" {
		header = append(header, g.layout.CategoryColumn)
	}
	return header
}

func (g *generator) addTransaction(id string, m merchant, amount decimal.Decimal, date time.Time) {
	format := g.layout.DateFormat
	if format == "" {
		format = models.DateLayout
	}
	row := []string{id, m.bankName, amount.StringFixed(2), date.Format(format)}
	if g.layout.UserIDColumn != "" {
		row = append(row, g.userID)
	}
	if g.layout.CategoryColumn != "" {
		row = append(row, m.category)
	}
	g.transactions = append(g.transactions, row)
}

func (g *generator) answerRows() [][]string {
	rows := [][]string{{"receipt_id", "expected_target", "scenario"}}
	for _, a := range g.answers {
		rows = append(rows, []string{a.receiptID, a.targetID, string(a.scenario)})
	}
	return rows
}

func writeCSV(path string, rows [][]string, delimiter rune) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	writer.Comma = delimiter
	if err := writer.WriteAll(rows); err != nil {
		return err
	}
	return file.Sync()
}
