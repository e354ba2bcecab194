// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package auth_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/holomush/authcore/internal/auth"
)

const password = "correct horse battery staple"

func newClient() *http.Client {
	jar, err := cookiejar.New(nil)
	Expect(err).NotTo(HaveOccurred())
	return &http.Client{Jar: jar, Timeout: 10 * time.Second}
}

func uniqueEmail() string {
	return auth.NormalizeEmail(ulid.Make().String() + "@example.com")
}

func do(client *http.Client, method, path string, body any) (int, map[string]any) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		Expect(err).NotTo(HaveOccurred())
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(env.ctx, method, env.server.URL+path, reader)
	Expect(err).NotTo(HaveOccurred())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	Expect(err).NotTo(HaveOccurred())
	defer func() { _ = resp.Body.Close() }()

	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func registerVerified(client *http.Client, email string) {
	status, _ := do(client, http.MethodPost, "/auth/register", map[string]string{"email": email, "password": password})
	Expect(status).To(Equal(http.StatusOK))

	token, ok := env.mailer.LastToken("verify", email)
	Expect(ok).To(BeTrue())
	status, _ = do(client, http.MethodGet, "/auth/verify-email?token="+url.QueryEscape(token), nil)
	Expect(status).To(Equal(http.StatusOK))
}

func login(client *http.Client, email, pw string) int {
	status, _ := do(client, http.MethodPost, "/auth/login", map[string]string{"email": email, "password": pw})
	return status
}

var _ = Describe("Session lifecycle", func() {
	var (
		client *http.Client
		email  string
	)

	BeforeEach(func() {
		client = newClient()
		email = uniqueEmail()
		registerVerified(client, email)
	})

	It("logs in, resolves the principal and logs out", func() {
		Expect(login(client, email, password)).To(Equal(http.StatusOK))

		status, me := do(client, http.MethodGet, "/me", nil)
		Expect(status).To(Equal(http.StatusOK))
		Expect(me["email"]).To(Equal(email))
		Expect(me["email_verified"]).To(BeTrue())

		status, _ = do(client, http.MethodPost, "/auth/logout", nil)
		Expect(status).To(Equal(http.StatusOK))

		status, _ = do(client, http.MethodGet, "/me", nil)
		Expect(status).To(Equal(http.StatusUnauthorized))
	})

	It("rejects an unverified login before a verified one succeeds", func() {
		other := uniqueEmail()
		status, _ := do(client, http.MethodPost, "/auth/register", map[string]string{"email": other, "password": password})
		Expect(status).To(Equal(http.StatusOK))
		Expect(login(newClient(), other, password)).To(Equal(http.StatusForbidden))
	})

	It("lists and revokes every session", func() {
		second := newClient()
		Expect(login(client, email, password)).To(Equal(http.StatusOK))
		Expect(login(second, email, password)).To(Equal(http.StatusOK))

		status, body := do(client, http.MethodGet, "/me/sessions", nil)
		Expect(status).To(Equal(http.StatusOK))
		Expect(body["sessions"]).To(HaveLen(2))

		status, body = do(client, http.MethodPost, "/auth/logout-all", nil)
		Expect(status).To(Equal(http.StatusOK))
		Expect(body["revoked"]).To(BeEquivalentTo(2))

		status, _ = do(second, http.MethodGet, "/me", nil)
		Expect(status).To(Equal(http.StatusUnauthorized))
	})

	It("rotates the session token", func() {
		Expect(login(client, email, password)).To(Equal(http.StatusOK))
		base, err := url.Parse(env.server.URL)
		Expect(err).NotTo(HaveOccurred())
		before := client.Jar.Cookies(base)

		status, _ := do(client, http.MethodPost, "/auth/rotate", nil)
		Expect(status).To(Equal(http.StatusOK))
		Expect(client.Jar.Cookies(base)).NotTo(Equal(before))

		stale := newClient()
		stale.Jar.SetCookies(base, before)
		status, _ = do(stale, http.MethodGet, "/me", nil)
		Expect(status).To(Equal(http.StatusUnauthorized))

		status, _ = do(client, http.MethodGet, "/me", nil)
		Expect(status).To(Equal(http.StatusOK))
	})

	It("purges sessions once they expire", func() {
		Expect(login(client, email, password)).To(Equal(http.StatusOK))
		env.clock.Advance(2 * time.Hour)

		status, _ := do(client, http.MethodGet, "/me", nil)
		Expect(status).To(Equal(http.StatusUnauthorized))

		res, err := env.core.Purge(env.ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Sessions).To(BeNumerically(">=", 1))
	})
})

var _ = Describe("Account lockout", func() {
	It("locks the account after repeated failures", func() {
		client := newClient()
		email := uniqueEmail()
		registerVerified(client, email)

		for i := 0; i < 3; i++ {
			Expect(login(client, email, "wrong password!")).To(Equal(http.StatusUnauthorized))
		}
		Expect(login(client, email, password)).To(Equal(http.StatusTooManyRequests))

		env.clock.Advance(11 * time.Minute)
		Expect(login(client, email, password)).To(Equal(http.StatusOK))
	})

	It("answers unknown accounts like wrong passwords", func() {
		client := newClient()
		status, body := do(client, http.MethodPost, "/auth/login",
			map[string]string{"email": uniqueEmail(), "password": password})
		Expect(status).To(Equal(http.StatusUnauthorized))
		Expect(body["error"]).To(Equal("invalid_credentials"))
	})
})

var _ = Describe("Password reset", func() {
	It("accepts a reset token exactly once and revokes sessions", func() {
		client := newClient()
		email := uniqueEmail()
		registerVerified(client, email)
		Expect(login(client, email, password)).To(Equal(http.StatusOK))

		status, _ := do(newClient(), http.MethodPost, "/auth/request-password-reset", map[string]string{"email": email})
		Expect(status).To(Equal(http.StatusOK))
		token, ok := env.mailer.LastToken("reset", email)
		Expect(ok).To(BeTrue())

		const workers = 5
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			statuses []int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				s, _ := do(newClient(), http.MethodPost, "/auth/reset-password",
					map[string]string{"token": token, "new_password": "a brand new passphrase"})
				mu.Lock()
				statuses = append(statuses, s)
				mu.Unlock()
			}()
		}
		wg.Wait()

		Expect(statuses).To(HaveLen(workers))
		ok200 := 0
		for _, s := range statuses {
			if s == http.StatusOK {
				ok200++
			} else {
				Expect(s).To(Equal(http.StatusBadRequest))
			}
		}
		Expect(ok200).To(Equal(1))

		status, _ = do(client, http.MethodGet, "/me", nil)
		Expect(status).To(Equal(http.StatusUnauthorized))
		Expect(login(newClient(), email, password)).To(Equal(http.StatusUnauthorized))
		Expect(login(newClient(), email, "a brand new passphrase")).To(Equal(http.StatusOK))
	})

	It("does not reveal whether an address is registered", func() {
		status, body := do(newClient(), http.MethodPost, "/auth/request-password-reset",
			map[string]string{"email": uniqueEmail()})
		Expect(status).To(Equal(http.StatusOK))
		Expect(body).To(HaveKey("status"))
	})
})
