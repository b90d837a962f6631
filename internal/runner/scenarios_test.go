package runner

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/probe/api/schemas"
	"github.com/xkilldash9x/probe/internal/browser/browsertest"
)

const (
	appRoot     = "http://app.test/"
	appCustomer = "http://app.test/customers"
)

const homeDoc = `<html><body>
<div id="app"><nav><div>
  <a href="/customers">Customers</a>
  <a href="/orders">Orders</a>
</div></nav></div>
</body></html>`

const customersDoc = `<html><body>
<input type="search" placeholder="Search">
<div class="results">
  <div class="row">Customer 1</div>
  <div class="row">Customer 2</div>
  <div class="row">Customer 3</div>
</div>
</body></html>`

func TestScenarioNavigateClickCount(t *testing.T) {
	opener := browsertest.NewOpener(func() *browsertest.Page {
		p := browsertest.New(`<p>blank</p>`)
		p.Route(appRoot, homeDoc)
		p.Route(appCustomer, customersDoc)
		p.OnClick("nav a", func(p *browsertest.Page, _ *html.Node) {
			_ = p.Navigate(context.Background(), appCustomer, schemas.ReadyLoad)
		})
		return p
	})

	tc := schemas.TestCase{Name: "navigation", Steps: []schemas.Step{
		navigate(appRoot, schemas.ReadyDOMContentLoaded),
		click(loc("xpath=html/body/div/nav/div/a").At(0)),
		assertStep(schemas.Predicate{
			Kind: schemas.PredicateCount, Locator: all(".row"), Op: schemas.RelGreater, Expected: 0, Timeout: time.Second,
		}, "results are listed"),
	}}

	report := newTestRunner(t).Execute(context.Background(), opener, tc)
	require.Equal(t, schemas.StatusPassed, report.Status, report.Message)
	assert.Equal(t, []schemas.Outcome{schemas.OutcomePassed, schemas.OutcomePassed, schemas.OutcomePassed}, outcomes(report.Results))
	assert.Equal(t, 1, opener.Sessions()[0].CloseCount())
}

// searchPage filters the customer rows by the filled text.
func searchPage() *browsertest.Page {
	p := browsertest.New(customersDoc)
	p.OnFill("input[type=search]", func(p *browsertest.Page, _ *html.Node, text string) {
		for _, row := range p.Find(".row") {
			if !strings.Contains(strings.ToLower(nodeText(row)), strings.ToLower(text)) {
				p.Remove(row)
			}
		}
		if len(p.Find(".row")) == 0 {
			_ = p.Append(".results", `<p class="empty">No customers found</p>`)
		}
	})
	return p
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func TestScenarioFillAndContent(t *testing.T) {
	contains := func(text string) schemas.Step {
		return assertStep(schemas.Predicate{Kind: schemas.PredicateContent, Locator: all(".results"), Contains: text}, "search results")
	}

	t.Run("matching text passes", func(t *testing.T) {
		opener := browsertest.NewOpener(searchPage)
		report := newTestRunner(t).Execute(context.Background(), opener, schemas.TestCase{Steps: []schemas.Step{
			fill(loc("input[type=search]"), "Customer 3"),
			contains("customer 3"),
		}})
		assert.Equal(t, schemas.StatusPassed, report.Status, report.Message)
	})

	t.Run("missing text fails with the compared text", func(t *testing.T) {
		opener := browsertest.NewOpener(searchPage)
		report := newTestRunner(t).Execute(context.Background(), opener, schemas.TestCase{Steps: []schemas.Step{
			fill(loc("input[type=search]"), "Customer 9"),
			contains("customer 9"),
		}})
		require.Equal(t, schemas.StatusFailed, report.Status)
		assert.Equal(t, 1, report.FailedStep)
		assert.Equal(t, schemas.KindAssertionFailed, report.Results[1].ErrorKind)
		assert.Contains(t, report.Results[1].Diagnostic, "No customers found")
	})
}

const notificationsDoc = `<html><body>
<button id="low-stock">Trigger low stock</button>
<button id="order-update">Trigger order update</button>
<button id="system">Trigger system message</button>
<ul id="list"></ul>
</body></html>`

func notificationsPage() *browsertest.Page {
	p := browsertest.New(notificationsDoc)
	for id, text := range map[string]string{
		"#low-stock":    "Low stock: Blue widgets",
		"#order-update": "Order update: #1042 shipped",
		"#system":       "System message: maintenance tonight",
	} {
		msg := text
		p.OnClick(id, func(p *browsertest.Page, _ *html.Node) {
			_ = p.Append("#list", fmt.Sprintf(`<li class="notification-item">%s <button class="dismiss">Dismiss</button></li>`, msg))
		})
	}
	p.OnClick(".notification-item .dismiss", func(p *browsertest.Page, btn *html.Node) {
		p.Remove(btn.Parent)
	})
	return p
}

func TestScenarioDismissNotifications(t *testing.T) {
	opener := browsertest.NewOpener(notificationsPage)
	tc := schemas.TestCase{Name: "dismiss all", Steps: []schemas.Step{
		click(loc("#low-stock")),
		click(loc("#order-update")),
		click(loc("#system")),
		assertStep(schemas.Predicate{Kind: schemas.PredicateCount, Locator: all(".notification-item"), Op: schemas.RelEqual, Expected: 3}, "three notifications"),
		{Kind: schemas.StepDismiss, Dismiss: &schemas.DismissStep{
			Items:  loc(".notification-item"),
			Button: loc("button.dismiss"),
			Max:    10,
		}},
		assertStep(schemas.Predicate{Kind: schemas.PredicateCount, Locator: all(".notification-item"), Op: schemas.RelEqual, Expected: 0}, "all dismissed"),
	}}

	report := newTestRunner(t).Execute(context.Background(), opener, tc)
	require.Equal(t, schemas.StatusPassed, report.Status, report.Message)
	for _, res := range report.Results {
		assert.Equal(t, schemas.OutcomePassed, res.Outcome, res.Name)
	}
}

func TestScenarioDismissDetectsDoubleRemoval(t *testing.T) {
	opener := browsertest.NewOpener(func() *browsertest.Page {
		p := notificationsPage()
		// A second handler removes the next item as well.
		p.OnClick(".notification-item .dismiss", func(p *browsertest.Page, _ *html.Node) {
			if items := p.Find(".notification-item"); len(items) > 0 {
				p.Remove(items[0])
			}
		})
		return p
	})
	tc := schemas.TestCase{Steps: []schemas.Step{
		click(loc("#low-stock")),
		click(loc("#order-update")),
		click(loc("#system")),
		{Kind: schemas.StepDismiss, Dismiss: &schemas.DismissStep{Items: loc(".notification-item"), Button: loc("button.dismiss"), Max: 10}},
	}}

	report := newTestRunner(t).Execute(context.Background(), opener, tc)
	require.Equal(t, schemas.StatusFailed, report.Status)
	assert.Contains(t, report.Results[3].Diagnostic, "3 -> 1")
}
