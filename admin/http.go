package admin

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/pganalyze/dbconnector/errtype"
	"github.com/pganalyze/dbconnector/instance"
)

// DefaultEndpoint is the default control-plane base URL used when no
// AdminAPIEndpoint option is supplied to the Connector.
const DefaultEndpoint = "https://sqladmin.googleapis.com"

// HTTPClient adapts a Cloud SQL Admin-style HTTP/JSON API to the Client
// interface. It is the only concrete Client implementation this module
// ships; tests exercise the refresh engine against a fake Client instead.
type HTTPClient struct {
	endpoint     string
	quotaProject string
	userAgent    string
	httpClient   *http.Client

	// bearerToken returns the OAuth2 bearer token to send on every admin
	// API request. It is resolved lazily on each call rather than cached,
	// since the caller's TokenSource is itself responsible for refreshing
	// as needed.
	bearerToken func(ctx context.Context) (string, error)
}

// HTTPClientOption configures an HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithHTTPClientTransport overrides the *http.Client used for admin API
// calls. Mostly useful in tests, to point at an httptest.Server.
func WithHTTPClientTransport(c *http.Client) HTTPClientOption {
	return func(h *HTTPClient) { h.httpClient = c }
}

// WithQuotaProject sets the billing/quota project header
// (X-Goog-User-Project) sent on every admin API request.
func WithQuotaProject(project string) HTTPClientOption {
	return func(h *HTTPClient) { h.quotaProject = project }
}

// WithUserAgent sets the User-Agent header sent on every admin API request.
// It replaces the default "dbconnector/1.0"; it does not append to it.
func WithUserAgent(ua string) HTTPClientOption {
	return func(h *HTTPClient) { h.userAgent = ua }
}

// WithEndpoint overrides the control-plane base URL.
func WithEndpoint(endpoint string) HTTPClientOption {
	return func(h *HTTPClient) { h.endpoint = endpoint }
}

// NewHTTPClient builds an HTTPClient. bearerToken is called on every
// request to obtain the Authorization header value; it is typically backed
// by an oauth2.TokenSource.
func NewHTTPClient(bearerToken func(ctx context.Context) (string, error), opts ...HTTPClientOption) *HTTPClient {
	h := &HTTPClient{
		endpoint:    DefaultEndpoint,
		userAgent:   "dbconnector/1.0",
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		bearerToken: bearerToken,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, h.endpoint+path, body)
	if err != nil {
		return nil, errors.Wrap(err, "building admin API request")
	}
	tok, err := h.bearerToken(ctx)
	if err != nil {
		return nil, errtype.NewPermissionError("failed to obtain bearer token for admin API call", "", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("User-Agent", h.userAgent)
	req.Header.Set("Accept", "application/json")
	if h.quotaProject != "" {
		req.Header.Set("X-Goog-User-Project", h.quotaProject)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// classifyStatus maps an admin API HTTP status code to the taxonomy in
// spec.md §7.
func classifyStatus(uri string, statusCode int, body []byte) error {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return errtype.NewPermissionError(
			fmt.Sprintf("admin API returned %d: %s", statusCode, body), uri, nil,
		)
	case statusCode >= 500:
		return errtype.NewAdminTransientError(
			fmt.Sprintf("admin API returned %d: %s", statusCode, body), uri, nil,
		)
	case statusCode >= 400:
		return errtype.NewAdminPermanentError(
			fmt.Sprintf("admin API returned %d: %s", statusCode, body), uri, nil,
		)
	default:
		return nil
	}
}

type instanceMetadataResponse struct {
	DatabaseVersion       string           `json:"databaseVersion"`
	IPAddresses           []ipAddressEntry `json:"ipAddresses"`
	DNSName               string           `json:"dnsName,omitempty"`
	ServerCACert          certEntry        `json:"serverCaCert"`
	ServerCACerts         []certEntry      `json:"serverCaCerts,omitempty"`
	ServerCAMode          string           `json:"serverCaMode,omitempty"`
	SupportsAutoIamAuthN  bool             `json:"settings.databaseFlags.autoIamAuthN"`
	ConnectorCapabilities connectorCaps    `json:"connectorCapabilities,omitempty"`
}

type connectorCaps struct {
	SupportsMetadataExchange bool `json:"supportsMetadataExchange"`
}

type ipAddressEntry struct {
	Type      string `json:"type"`
	IPAddress string `json:"ipAddress"`
}

type certEntry struct {
	Cert string `json:"cert"`
}

// GetInstanceMetadata implements Client.
func (h *HTTPClient) GetInstanceMetadata(ctx context.Context, uri instance.URI) (*instance.Metadata, error) {
	path := fmt.Sprintf("/sql/v1beta4/projects/%s/instances/%s", uri.Project(), uri.Name())
	req, err := h.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, errtype.NewAdminTransientError("failed to contact admin API", uri.String(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errtype.NewAdminTransientError("failed to read admin API response", uri.String(), err)
	}
	if err := classifyStatus(uri.String(), resp.StatusCode, body); err != nil {
		return nil, err
	}

	var parsed instanceMetadataResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errtype.NewAdminPermanentError("malformed admin API response", uri.String(), err)
	}

	ipAddrs := make(map[instance.IPKind]string)
	for _, entry := range parsed.IPAddresses {
		switch entry.Type {
		case "PRIMARY":
			ipAddrs[instance.PublicIP] = entry.IPAddress
		case "PRIVATE":
			ipAddrs[instance.PrivateIP] = entry.IPAddress
		case "PSC":
			ipAddrs[instance.PSC] = entry.IPAddress
		}
	}

	caCertsRaw := parsed.ServerCACerts
	if len(caCertsRaw) == 0 && parsed.ServerCACert.Cert != "" {
		caCertsRaw = []certEntry{parsed.ServerCACert}
	}
	caCerts := make([]*x509.Certificate, 0, len(caCertsRaw))
	for _, c := range caCertsRaw {
		cert, err := parsePEMCert(c.Cert)
		if err != nil {
			return nil, errtype.NewAdminPermanentError("malformed server CA certificate", uri.String(), err)
		}
		caCerts = append(caCerts, cert)
	}
	if len(caCerts) == 0 {
		return nil, errtype.NewAdminPermanentError("admin API response carried no server CA certificate", uri.String(), nil)
	}

	caMode := instance.GoogleManagedCA
	if parsed.ServerCAMode == "CUSTOMER_MANAGED_CAS_CA" {
		caMode = instance.CustomerManagedCA
	}

	engine := engineFromVersionString(parsed.DatabaseVersion)

	md, err := instance.NewMetadata(instance.MetadataParams{
		DatabaseEngine:           engine,
		VersionString:            parsed.DatabaseVersion,
		IPAddresses:              ipAddrs,
		DNSName:                  parsed.DNSName,
		ServerCACerts:            caCerts,
		ServerCAMode:             caMode,
		SupportsAutoIamAuthN:     parsed.SupportsAutoIamAuthN,
		SupportsMetadataExchange: parsed.ConnectorCapabilities.SupportsMetadataExchange,
	})
	if err != nil {
		// NewMetadata only fails on the no-IP-addresses case; re-wrap with
		// the instance URI since NewMetadata doesn't know it.
		return nil, errtype.NewAdminPermanentError(
			"instance metadata advertised no supported IP addresses", uri.String(), nil,
		)
	}
	return md, nil
}

func engineFromVersionString(v string) instance.Engine {
	switch {
	case len(v) == 0:
		return instance.EngineUnknown
	case hasPrefixFold(v, "MYSQL"):
		return instance.MySQL
	case hasPrefixFold(v, "POSTGRES"):
		return instance.Postgres
	case hasPrefixFold(v, "SQLSERVER"):
		return instance.SQLServer
	default:
		return instance.EngineUnknown
	}
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

type signCertRequest struct {
	PublicKey   string `json:"public_key"`
	AccessToken string `json:"access_token,omitempty"`
}

type signCertResponse struct {
	ClientCert certEntry   `json:"clientCert"`
	CertChain  []certEntry `json:"certChain,omitempty"`
}

// SignClientCert implements Client.
func (h *HTTPClient) SignClientCert(
	ctx context.Context,
	uri instance.URI,
	publicKey *rsa.PublicKey,
	identityToken string,
) (*ClientCertChain, error) {
	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(publicKey),
	})

	reqBody := signCertRequest{PublicKey: string(pubPEM), AccessToken: identityToken}
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling sign-cert request")
	}

	path := fmt.Sprintf(
		"/sql/v1beta4/projects/%s/instances/%s/createEphemeral", uri.Project(), uri.Name(),
	)
	req, err := h.newRequest(ctx, http.MethodPost, path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, errtype.NewAdminTransientError("failed to contact admin API", uri.String(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errtype.NewAdminTransientError("failed to read admin API response", uri.String(), err)
	}
	if err := classifyStatus(uri.String(), resp.StatusCode, body); err != nil {
		return nil, err
	}

	var parsed signCertResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errtype.NewAdminPermanentError("malformed admin API response", uri.String(), err)
	}
	if parsed.ClientCert.Cert == "" {
		return nil, errtype.NewAdminPermanentError("admin API response carried no client certificate", uri.String(), nil)
	}

	chain := make([]*CertPEM, 0, 1+len(parsed.CertChain))
	chain = append(chain, &CertPEM{PEM: []byte(parsed.ClientCert.Cert)})
	for _, c := range parsed.CertChain {
		chain = append(chain, &CertPEM{PEM: []byte(c.Cert)})
	}
	return &ClientCertChain{Chain: chain}, nil
}

type resolveDNSResponse struct {
	Name string `json:"name"`
}

// ResolveDNSName implements Client.
func (h *HTTPClient) ResolveDNSName(ctx context.Context, dnsName string) (instance.URI, error) {
	path := fmt.Sprintf("/sql/v1beta4/connectSettings:resolve?dnsName=%s", dnsName)
	req, err := h.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return instance.URI{}, err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return instance.URI{}, errtype.NewAdminTransientError("failed to contact admin API", dnsName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return instance.URI{}, errtype.NewAdminTransientError("failed to read admin API response", dnsName, err)
	}
	if err := classifyStatus(dnsName, resp.StatusCode, body); err != nil {
		return instance.URI{}, err
	}

	var parsed resolveDNSResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return instance.URI{}, errtype.NewAdminPermanentError("malformed admin API response", dnsName, err)
	}
	if parsed.Name == "" {
		return instance.URI{}, errtype.NewAdminPermanentError(
			fmt.Sprintf("no instance is registered for DNS name %q", dnsName), dnsName, nil,
		)
	}
	return instance.Parse(parsed.Name)
}

func parsePEMCert(raw string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(raw))
	if block == nil {
		return nil, errors.New("certificate is not valid PEM")
	}
	return x509.ParseCertificate(block.Bytes)
}
