package services

import (
	"fmt"
	"strings"

	"github.com/tbourn/supplier-confirmations/internal/domain"
)

// Draft is a rendered confirmation request.
type Draft struct {
	To          string            `json:"to"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	AskedFields []domain.FieldKey `json:"asked_fields"`
}

var fieldQuestions = map[domain.FieldKey]string{
	domain.FieldSupplierReference: "your sales order / order confirmation number",
	domain.FieldDeliveryDate:      "the confirmed ship or delivery date",
	domain.FieldQuantity:          "the confirmed quantity",
}

func draftSubject(po, line string) string {
	return fmt.Sprintf("Order confirmation request: PO %s line %s", po, line)
}

// renderDraft writes the request body asking only for the given fields, in
// canonical order. followUp selects the reminder wording.
func renderDraft(c *domain.Case, ask domain.FieldKeys, followUp bool) Draft {
	var b strings.Builder
	greeting := "Hello"
	if name := strings.TrimSpace(c.SupplierName); name != "" {
		greeting = "Hello " + name
	}
	b.WriteString(greeting + ",\n\n")
	if followUp {
		fmt.Fprintf(&b, "Following up on our earlier request about purchase order %s, line %s.\n", c.PONumber, c.LineID)
	} else {
		fmt.Fprintf(&b, "We are requesting confirmation of purchase order %s, line %s.\n", c.PONumber, c.LineID)
	}
	if len(ask) > 0 {
		b.WriteString("Could you please reply with:\n")
		for _, k := range ask {
			b.WriteString("  - " + fieldQuestions[k] + "\n")
		}
	}
	b.WriteString("\nAn order acknowledgement PDF attached to your reply works as well.\n\nThank you,\nPurchasing\n")

	return Draft{
		To:          c.SupplierEmail,
		Subject:     draftSubject(c.PONumber, c.LineID),
		Body:        b.String(),
		AskedFields: []domain.FieldKey(ask),
	}
}
