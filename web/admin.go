package web

import (
	_ "embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"

	logging "github.com/ipfs/go-log/v2"

	"github.com/storacha/rtracker/internal/service"
)

var log = logging.Logger("web")

//go:embed templates/admin.html.tmpl
var adminTemplateHTML string

//go:embed static/css/admin.css
var adminCSS string

type adminDashboardData struct {
	RoundID string
	Round   *service.RoundDetails
	Error   string
	CSS     template.CSS
}

func formatEpoch(epoch *uint64) string {
	if epoch == nil {
		return "unknown"
	}
	return strconv.FormatUint(*epoch, 10)
}

func formatDate(t interface{}) string {
	// Handle time.Time
	if v, ok := t.(interface{ Format(string) string }); ok {
		return v.Format("2006-01-02 15:04 MST")
	}
	return fmt.Sprintf("%v", t)
}

// AdminHandler returns an HTTP handler for the admin dashboard. It shows the
// round given by the "round" query parameter, or the current round.
func AdminHandler(svc service.Service) http.HandlerFunc {
	tmpl := template.Must(template.New("admin").Funcs(template.FuncMap{
		"formatEpoch": formatEpoch,
		"formatDate":  formatDate,
	}).Parse(adminTemplateHTML))

	return func(w http.ResponseWriter, r *http.Request) {
		data := adminDashboardData{
			CSS: template.CSS(adminCSS),
		}

		var (
			round *service.RoundDetails
			err   error
		)
		data.RoundID = r.URL.Query().Get("round")
		if data.RoundID == "" {
			round, err = svc.CurrentRound(r.Context())
		} else {
			id, parseErr := strconv.ParseUint(data.RoundID, 10, 64)
			if parseErr != nil {
				data.Error = fmt.Sprintf("Invalid round number: %v", parseErr)
				render(w, tmpl, data)
				return
			}
			round, err = svc.GetRound(r.Context(), id)
		}

		if err != nil {
			var notFound service.ErrRoundNotFound
			if errors.As(err, &notFound) {
				data.Error = notFound.Error()
			} else {
				log.Errorf("fetching round for admin dashboard: %v", err)
				data.Error = "Error fetching round"
			}
			render(w, tmpl, data)
			return
		}

		data.Round = round
		render(w, tmpl, data)
	}
}

func render(w http.ResponseWriter, tmpl *template.Template, data adminDashboardData) {
	if err := tmpl.Execute(w, data); err != nil {
		log.Errorf("executing admin template: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
