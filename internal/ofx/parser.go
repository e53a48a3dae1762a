// Package ofx reads OFX/QFX bank exports into transaction records for batch categorization.
package ofx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/aclindsa/ofxgo"
	"github.com/shopspring/decimal"

	"github.com/Veraticus/spice-categorizer/internal/model"
)

var (
	severityFix = regexp.MustCompile(`(?i)<SEVERITY>(Info|Warn|Error)</SEVERITY>`)
	// SGML exports sometimes drop the closing bracket of a bare opening tag.
	tagFix = regexp.MustCompile(`(?m)^(\s*<[A-Z][A-Z0-9._]*[A-Z0-9])$`)
)

// Parser converts OFX statements into model.TransactionRecord values.
type Parser struct{}

// NewParser creates a new OFX parser.
func NewParser() *Parser {
	return &Parser{}
}

// preprocess fixes common formatting issues in OFX files.
func (p *Parser) preprocess(content string) string {
	content = strings.TrimLeft(content, " \t\r\n")
	content = severityFix.ReplaceAllStringFunc(content, strings.ToUpper)
	return tagFix.ReplaceAllString(content, "$1>")
}

func (p *Parser) parse(reader io.Reader) (*ofxgo.Response, error) {
	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read OFX file: %w", err)
	}
	resp, err := ofxgo.ParseResponse(strings.NewReader(p.preprocess(string(content))))
	if err != nil {
		return nil, fmt.Errorf("failed to parse OFX file: %w", err)
	}
	return resp, nil
}

// ParseFile parses an OFX/QFX file and returns its transactions in statement order.
// A transaction repeated within an account (same FITID) is returned once.
func (p *Parser) ParseFile(ctx context.Context, reader io.Reader) ([]model.TransactionRecord, error) {
	resp, err := p.parse(reader)
	if err != nil {
		return nil, err
	}

	var records []model.TransactionRecord
	seen := make(map[string]bool)
	var bankStmts, ccStmts, skipped int

	add := func(accountID string, list *ofxgo.TransactionList) error {
		if list == nil {
			return nil
		}
		for _, tx := range list.Transactions {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, err := p.convert(tx, accountID)
			if err != nil {
				slog.Warn("skipping OFX transaction", "account", accountID, "fitid", tx.FiTID, "error", err)
				skipped++
				continue
			}
			if seen[rec.Ref] {
				continue
			}
			seen[rec.Ref] = true
			records = append(records, rec)
		}
		return nil
	}

	for _, msg := range resp.Bank {
		if stmt, ok := msg.(*ofxgo.StatementResponse); ok {
			bankStmts++
			if err := add(string(stmt.BankAcctFrom.AcctID), stmt.BankTranList); err != nil {
				return nil, err
			}
		}
	}
	for _, msg := range resp.CreditCard {
		if stmt, ok := msg.(*ofxgo.CCStatementResponse); ok {
			ccStmts++
			if err := add(string(stmt.CCAcctFrom.AcctID), stmt.BankTranList); err != nil {
				return nil, err
			}
		}
	}

	slog.Info("parsed OFX file",
		"transactions", len(records),
		"skipped", skipped,
		"bank_statements", bankStmts,
		"cc_statements", ccStmts)

	return records, nil
}

// convert maps one OFX transaction to a record. Amounts keep their sign; debits are negative.
func (p *Parser) convert(tx ofxgo.Transaction, accountID string) (model.TransactionRecord, error) {
	amount, err := decimal.NewFromString(tx.TrnAmt.FloatString(2))
	if err != nil {
		return model.TransactionRecord{}, fmt.Errorf("amount %q: %w", tx.TrnAmt.String(), err)
	}

	rec := model.TransactionRecord{
		Timestamp:       tx.DtPosted.Time,
		Amount:          amount,
		MerchantText:    merchantText(tx),
		DescriptionText: strings.TrimSpace(string(tx.Memo)),
	}
	if tx.FiTID != "" {
		rec.Ref = accountID + ":" + string(tx.FiTID)
	}
	return rec.EnsureRef(), nil
}

// merchantText prefers PAYEE, then NAME, then MEMO when NAME is only a transaction type.
// Processor prefixes are left for the normalizer.
func merchantText(tx ofxgo.Transaction) string {
	if tx.Payee != nil && tx.Payee.Name != "" {
		return strings.TrimSpace(string(tx.Payee.Name))
	}
	name := strings.TrimSpace(string(tx.Name))
	if tx.Memo != "" && isGenericDescription(name) {
		name = strings.TrimSpace(string(tx.Memo))
	}
	return name
}

var genericDescriptions = map[string]bool{
	"DEBIT":           true,
	"CREDIT":          true,
	"PURCHASE":        true,
	"PAYMENT":         true,
	"POS TRANSACTION": true,
	"CARD PURCHASE":   true,
}

func isGenericDescription(name string) bool {
	return genericDescriptions[strings.ToUpper(name)]
}

// GetAccounts returns the sorted account ids the file has statements for.
func (p *Parser) GetAccounts(_ context.Context, reader io.Reader) ([]string, error) {
	resp, err := p.parse(reader)
	if err != nil {
		return nil, err
	}

	accounts := make(map[string]bool)
	for _, msg := range resp.Bank {
		if stmt, ok := msg.(*ofxgo.StatementResponse); ok && stmt.BankAcctFrom.AcctID != "" {
			accounts[string(stmt.BankAcctFrom.AcctID)] = true
		}
	}
	for _, msg := range resp.CreditCard {
		if stmt, ok := msg.(*ofxgo.CCStatementResponse); ok && stmt.CCAcctFrom.AcctID != "" {
			accounts[string(stmt.CCAcctFrom.AcctID)] = true
		}
	}

	out := make([]string, 0, len(accounts))
	for a := range accounts {
		out = append(out, a)
	}
	sort.Strings(out)
	return out, nil
}
