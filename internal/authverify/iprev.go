// IPrev ("forward-confirmed reverse DNS") per §4.4.3. No teacher
// analogue exists; built directly from the glossary definition over
// internal/dnsutil.
package authverify

import (
	"context"
	"net"

	"github.com/relaymta/relaymta/internal/dnsutil"
	"github.com/relaymta/relaymta/internal/stagectx"
)

// CheckIPrev does PTR(ip), then A/AAAA(name) for each PTR result, and
// reports Pass iff some forward lookup includes ip back.
func CheckIPrev(ctx context.Context, r *dnsutil.Resolver, ip net.IP) (stagectx.AuthVerdict, error) {
	names, err := r.LookupPTR(ctx, ip)
	if err != nil {
		var nx *dnsutil.ErrNXDomain
		if isNX(err, &nx) {
			return stagectx.AuthVerdict{Value: stagectx.ValuePermError, Detail: "no PTR record"}, nil
		}
		return stagectx.AuthVerdict{Value: stagectx.ValueTempError, Detail: err.Error()}, nil
	}
	if len(names) == 0 {
		return stagectx.AuthVerdict{Value: stagectx.ValuePermError, Detail: "no PTR record"}, nil
	}

	anyForwardSucceeded := false
	for _, name := range names {
		forward, ferr := r.ResolveIP(ctx, name)
		if ferr != nil {
			continue
		}
		anyForwardSucceeded = true
		for _, fwd := range forward {
			if fwd.Equal(ip) {
				return stagectx.AuthVerdict{Value: stagectx.ValuePass, Domain: name}, nil
			}
		}
	}
	if !anyForwardSucceeded {
		return stagectx.AuthVerdict{Value: stagectx.ValueTempError, Detail: "forward lookup failed for all PTR names"}, nil
	}
	return stagectx.AuthVerdict{Value: stagectx.ValueFail, Detail: "no forward-confirmed name"}, nil
}
