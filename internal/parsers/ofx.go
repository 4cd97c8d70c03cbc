package parsers

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/aclindsa/ofxgo"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"receipt-matching-service/internal/models"
	"receipt-matching-service/pkg/errors"
	"receipt-matching-service/pkg/logger"
)

var (
	severityPattern = regexp.MustCompile(`(?i)<SEVERITY>(Info|Warn|Error)</SEVERITY>`)
	openTagPattern  = regexp.MustCompile(`(?m)^(\s*<[A-Z][A-Z0-9._]*[A-Z0-9])$`)
)

// descriptor prefixes banks add in front of the merchant name
var cardPrefixes = []string{
	"POS PURCHASE ",
	"PURCHASE AUTHORIZED ON ",
	"DEBIT CARD PURCHASE ",
	"CHECK CARD ",
	"VISA PURCHASE ",
	"MC PURCHASE ",
	"DEBIT PURCHASE ",
}

// OFXParser reads bank and credit card statements in OFX or QFX format
type OFXParser struct {
	userID string
	logger logger.Logger
}

// NewOFXParser creates a parser that assigns every transaction to userID
func NewOFXParser(userID string) *OFXParser {
	return &OFXParser{
		userID: userID,
		logger: logger.GetGlobalLogger().WithComponent("ofx_parser"),
	}
}

// ParseFile parses an OFX or QFX file
func (p *OFXParser) ParseFile(ctx context.Context, path string) ([]*models.Transaction, error) {
	file, err := NewBaseParser(nil, p.logger).OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return p.Parse(ctx, file, path)
}

// Parse reads every statement transaction in r. Debits are negative and
// credits positive, as in the statement.
func (p *OFXParser) Parse(ctx context.Context, r io.Reader, source string) ([]*models.Transaction, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.FileError(errors.CodeFileNotFound, source, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.MatchingError(errors.CodeCancelled, "parse "+source, err)
	}

	resp, err := ofxgo.ParseResponse(strings.NewReader(cleanOFX(string(content))))
	if err != nil {
		return nil, errors.ParseError(errors.CodeInvalidFormat, source, 0, "ofx", "", err).
			WithSuggestion("export the statement again as OFX or QFX")
	}

	var transactions []*models.Transaction
	var bankStatements, cardStatements int

	for _, msg := range resp.Bank {
		stmt, ok := msg.(*ofxgo.StatementResponse)
		if !ok || stmt.BankTranList == nil {
			continue
		}
		bankStatements++
		for _, tx := range stmt.BankTranList.Transactions {
			transactions = append(transactions, p.convert(tx))
		}
	}
	for _, msg := range resp.CreditCard {
		stmt, ok := msg.(*ofxgo.CCStatementResponse)
		if !ok || stmt.BankTranList == nil {
			continue
		}
		cardStatements++
		for _, tx := range stmt.BankTranList.Transactions {
			transactions = append(transactions, p.convert(tx))
		}
	}

	p.logger.WithFields(logger.Fields{
		"source":          source,
		"transactions":    len(transactions),
		"bank_statements": bankStatements,
		"card_statements": cardStatements,
	}).Info("Parsed OFX statement")
	return transactions, nil
}

func (p *OFXParser) convert(ofxTx ofxgo.Transaction) *models.Transaction {
	id := string(ofxTx.FiTID)
	if id == "" {
		id = uuid.NewString()
	}
	amount, err := decimal.NewFromString(ofxTx.TrnAmt.FloatString(2))
	if err != nil {
		amount = decimal.Zero
	}

	tx := models.NewTransaction(id, p.userID, merchantDescription(ofxTx), amount, ofxTx.DtPosted.Time)
	switch fmt.Sprintf("%v", ofxTx.TrnType) {
	case "INT":
		tx.Category = "Interest"
	case "FEE", "SRVCHG":
		tx.Category = "Bank Fees"
	case "ATM":
		tx.Category = "Cash & ATM"
	}
	return tx
}

// merchantDescription prefers the payee name, then a memo when the name is
// generic, and strips card prefixes and leading MM/DD dates
func merchantDescription(tx ofxgo.Transaction) string {
	if tx.Payee != nil && tx.Payee.Name != "" {
		return strings.TrimSpace(string(tx.Payee.Name))
	}

	name := strings.TrimSpace(string(tx.Name))
	if tx.Memo != "" && isGenericDescription(name) {
		name = strings.TrimSpace(string(tx.Memo))
	}

	upper := strings.ToUpper(name)
	for _, prefix := range cardPrefixes {
		if strings.HasPrefix(upper, prefix) {
			name = name[len(prefix):]
			break
		}
	}
	if len(name) > 5 && name[2] == '/' && name[5] == ' ' {
		name = strings.TrimSpace(name[6:])
	}
	return name
}

func isGenericDescription(name string) bool {
	switch strings.ToUpper(name) {
	case "DEBIT", "CREDIT", "PURCHASE", "PAYMENT", "POS TRANSACTION", "CARD PURCHASE":
		return true
	}
	return false
}

// cleanOFX fixes formatting problems common in bank exports
func cleanOFX(content string) string {
	content = strings.TrimLeft(content, " \t\r\n")
	content = severityPattern.ReplaceAllStringFunc(content, strings.ToUpper)
	return openTagPattern.ReplaceAllString(content, "$1>")
}
