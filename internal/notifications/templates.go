package notifications

import (
	"bytes"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/db/models"
)

const confirmationSubject = "Your Almond River Records order"

const confirmationText = `Hi {{.CustomerName}},

Thanks for your order {{.Reference}}. We'll get it packed and posted soon.

{{range .Items}}- {{.ArtistNames}} - {{.Title}} ({{.Price}} {{$.Currency}})
{{end}}
Total: {{.Amount}} {{.Currency}}

Shipping to:
{{.Address}}
`

const confirmationHTML = `<p>Hi {{.CustomerName}},</p>
<p>Thanks for your order <strong>{{.Reference}}</strong>. We'll get it packed and posted soon.</p>
<ul>
{{range .Items}}<li>{{.ArtistNames}} - {{.Title}} ({{.Price}} {{$.Currency}})</li>
{{end}}</ul>
<p>Total: <strong>{{.Amount}} {{.Currency}}</strong></p>
<p>Shipping to:<br>{{range .AddressLines}}{{.}}<br>{{end}}</p>
`

var (
	textTmpl = texttemplate.Must(texttemplate.New("confirmation.txt").Parse(confirmationText))
	htmlTmpl = htmltemplate.Must(htmltemplate.New("confirmation.html").Parse(confirmationHTML))
)

type confirmationItem struct {
	ArtistNames string
	Title       string
	Price       string
}

type confirmationView struct {
	CustomerName string
	Reference    string
	Items        []confirmationItem
	Amount       string
	Currency     string
	Address      string
	AddressLines []string
}

func newConfirmationView(order *models.Order) confirmationView {
	items := make([]confirmationItem, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, confirmationItem{
			ArtistNames: item.ArtistNames,
			Title:       item.Title,
			Price:       item.Price.StringFixed(2),
		})
	}

	lines := []string{order.ShippingLine1}
	if order.ShippingLine2 != nil && strings.TrimSpace(*order.ShippingLine2) != "" {
		lines = append(lines, *order.ShippingLine2)
	}
	lines = append(lines, order.ShippingCity, order.ShippingPostcode, order.ShippingCountry)

	return confirmationView{
		CustomerName: order.CustomerName,
		Reference:    order.CheckoutReference,
		Items:        items,
		Amount:       order.Amount.StringFixed(2),
		Currency:     order.Currency,
		Address:      strings.Join(lines, "\n"),
		AddressLines: lines,
	}
}

func renderConfirmation(order *models.Order) (text string, html string, err error) {
	view := newConfirmationView(order)

	var textBuf bytes.Buffer
	if err := textTmpl.Execute(&textBuf, view); err != nil {
		return "", "", err
	}
	var htmlBuf bytes.Buffer
	if err := htmlTmpl.Execute(&htmlBuf, view); err != nil {
		return "", "", err
	}
	return textBuf.String(), htmlBuf.String(), nil
}
