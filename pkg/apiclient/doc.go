/*
Package apiclient is the authenticated REST client of the patient app.

# Requests

Every call goes through Client.Request. The current access token is read
from the credential store and sent as a bearer credential; with no token the
call goes out unauthenticated. The language preference, when stored, is sent
as Accept-Language.

	resp, err := client.Request(ctx, http.MethodGet, "/appointments", nil)
	var appts []Appointment
	err = resp.Decode(&appts)

Non-2xx responses come back as *HTTPError.

# Token refresh

A 401 on any call other than login asks the Coordinator for a new token and
resends the call once with it. A second 401 is returned to the caller. If the
refresh itself fails the stored tokens are cleared, OnSessionExpired fires and
the original 401 is returned wrapping a *RefreshError:

	if errors.Is(err, domain.ErrUnauthenticated) {
		// route to login
	}

The Coordinator is single-flight: however many calls are rejected at once,
the refresh endpoint is called once and every caller gets the same result.
Coordinator.Cancel, used by logout, rejects the waiters and discards the
in-flight result so it cannot resurrect the session.

A 401 on the login call means wrong credentials and is wrapped as
ErrInvalidCredentials.
*/
package apiclient
