package httpapi

import (
	"context"
	"net/http"
)

func contextWithEmail(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, emailContextKey{}, email)
}

func sessionEmail(r *http.Request) string {
	email, _ := r.Context().Value(emailContextKey{}).(string)
	return email
}
