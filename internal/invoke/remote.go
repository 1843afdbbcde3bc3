package invoke

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/tr1v3r/pkg/log"

	"github.com/tr1v3r/gupnp/internal/transport"
	"github.com/tr1v3r/gupnp/internal/upnp"
)

// RemoteProxy forwards action calls to a remote device's control URL.
type RemoteProxy struct {
	Client *transport.Client
	// ControlURLs are tried in order while dialing fails.
	ControlURLs []*url.URL
}

func NewRemoteProxy(client *transport.Client, controlURLs ...*url.URL) *RemoteProxy {
	return &RemoteProxy{Client: client, ControlURLs: controlURLs}
}

func (p *RemoteProxy) Kind() upnp.HandlerKind { return upnp.RemoteProxy }

// Call validates in, then performs the SOAP round trip. Validation failures
// return before any connection is opened.
func (p *RemoteProxy) Call(ctx context.Context, a *upnp.Action, in upnp.Arguments) (upnp.Arguments, error) {
	if err := a.CheckInputs(in); err != nil {
		return nil, err
	}
	ordered := make(upnp.Arguments, 0, len(in))
	for _, d := range a.InArgs() {
		v, _ := in.Get(d.Name)
		ordered = append(ordered, upnp.Argument{Name: d.Name, Value: v})
	}
	raw, err := a.FormatArgs(ordered)
	if err != nil {
		return nil, err
	}
	svc := a.Service()
	if svc == nil {
		return nil, upnp.NewActionError(upnp.ErrCodeActionFailed, "%s: action has no service", a.Name)
	}
	if len(p.ControlURLs) == 0 {
		return nil, upnp.NewActionError(upnp.ErrCodeActionFailed, "%s: no control url", a.Name)
	}

	req := transport.NewRequest("POST", "", upnp.BuildSOAPRequest(svc.ServiceType, a.Name, raw))
	req.Header.Set("CONTENT-TYPE", upnp.SOAPContentType)
	req.Header.Set("SOAPACTION", upnp.SOAPActionHeader(svc.ServiceType, a.Name))

	var resp *transport.Message
	for _, u := range p.ControlURLs {
		resp, err = p.Client.Do(ctx, u, req)
		if err == nil {
			break
		}
		if !errors.Is(err, transport.ErrConnect) {
			break
		}
		log.CtxDebug(ctx, "control url unreachable url=%s err=%v", u, err)
	}
	if err != nil {
		return nil, &upnp.ActionError{Code: upnp.ErrCodeActionFailed, Description: a.Name + ": soap request failed", Err: err}
	}
	return parseResponse(a, resp)
}

func parseResponse(a *upnp.Action, resp *transport.Message) (upnp.Arguments, error) {
	msg, perr := upnp.ParseSOAP(resp.Body)
	if perr == nil && msg.Fault != nil {
		return nil, msg.Fault
	}
	if !resp.StatusOK() {
		return nil, upnp.NewActionError(upnp.ErrCodeActionFailed, "%s: http status %d", a.Name, resp.Header.StatusCode)
	}
	if perr != nil {
		return nil, &upnp.ActionError{Code: upnp.ErrCodeActionFailed, Description: a.Name + ": bad response", Err: perr}
	}
	if msg.Action != a.Name+"Response" {
		return nil, &upnp.ActionError{Code: upnp.ErrCodeActionFailed, Description: a.Name, Err: fmt.Errorf("unexpected response element %q", msg.Action)}
	}
	out, err := a.ParseOutputs(msg.Args)
	if err != nil {
		return nil, &upnp.ActionError{Code: upnp.ErrCodeActionFailed, Description: a.Name + ": bad output arguments", Err: err}
	}
	return out, nil
}
