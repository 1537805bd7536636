package handler

import (
	"bytes"
	"html/template"

	"github.com/iliyamo/waitlist-coordinator/internal/model"
)

// The two server-rendered pages are intentionally small: the join form and
// the status page.  Everything dynamic after joining arrives over the SSE
// stream, so these templates only need to bootstrap the client.

var newPartyTmpl = template.Must(template.New("new-party").Parse(`<!doctype html>
<html>
<head><title>Join the waitlist</title></head>
<body>
<h1>Join the waitlist</h1>
<form method="post" action="/party">
  <label>Party name <input name="name" maxlength="{{.MaxNameLength}}" required></label>
  <label>Party size <input name="size" type="number" min="1" max="{{.MaxSeats}}" required></label>
  <button type="submit">Join</button>
</form>
</body>
</html>
`))

var partyStatusTmpl = template.Must(template.New("party-status").Parse(`<!doctype html>
<html>
<head><title>Waitlist status</title></head>
<body>
<h1>Hi {{.Name}}</h1>
<p>Party of {{.Size}} &mdash; status: <strong>{{.Status}}</strong></p>
{{if .ShowPosition}}<p>You joined the queue at position {{.InitialPosition}}.</p>{{end}}
{{if .CheckinExpiration}}<p>Check in before {{.CheckinExpiration}}.</p>{{end}}
{{if .SeatExpiration}}<p>Your table is yours until {{.SeatExpiration}}.</p>{{end}}
</body>
</html>
`))

type newPartyView struct {
	MaxSeats      int
	MaxNameLength int
}

type partyStatusView struct {
	Name              string
	Size              int
	Status            string
	ShowPosition      bool
	InitialPosition   int
	CheckinExpiration string
	SeatExpiration    string
}

func renderNewPartyPage(maxSeats, maxNameLength int) string {
	var buf bytes.Buffer
	_ = newPartyTmpl.Execute(&buf, newPartyView{MaxSeats: maxSeats, MaxNameLength: maxNameLength})
	return buf.String()
}

func renderPartyStatusPage(p *model.Party, initialPosition int) string {
	v := partyStatusView{
		Name:            p.Name,
		Size:            p.Size,
		Status:          p.Status,
		ShowPosition:    p.Status == model.StatusQueued && initialPosition > 0,
		InitialPosition: initialPosition,
	}
	if p.CheckinExpiration != nil {
		v.CheckinExpiration = p.CheckinExpiration.Format("15:04:05 MST")
	}
	if p.SeatExpiration != nil {
		v.SeatExpiration = p.SeatExpiration.Format("15:04:05 MST")
	}
	var buf bytes.Buffer
	_ = partyStatusTmpl.Execute(&buf, v)
	return buf.String()
}
