package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"

	"github.com/antonholmquist/jason"
	"github.com/google/uuid"
	"github.com/k3a/html2text"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/logger"
)

const (
	wikiProviderName = "wikimedia"

	DefaultWikipediaAPI = "https://en.wikipedia.org/w/api.php"
	DefaultCommonsAPI   = "https://commons.wikimedia.org/w/api.php"

	userAgentLibrary = "Go-HTTP-Client"
	maxErrorBody     = 2048
)

// WikimediaConfig configures the Wikimedia source
type WikimediaConfig struct {
	WikipediaAPI string
	CommonsAPI   string
	UserAgent    string  // "<client>/<version> (<contact>)"
	RateLimit    float64 // requests per second, shared by both APIs
	HTTPClient   *http.Client
}

// WikimediaSource finds a free Wikipedia lead image and a Commons recording
// for a scientific name.
type WikimediaSource struct {
	wikipediaAPI string
	commonsAPI   string
	userAgent    string
	client       *http.Client
	limiter      *rate.Limiter
	log          logger.Logger
}

// wikiAuthor is the attribution of a Commons file
type wikiAuthor struct {
	name        string
	URL         string
	licenseName string
	licenseURL  string
}

// NewWikimediaSource creates the source. Zero config values take defaults.
func NewWikimediaSource(cfg WikimediaConfig, log logger.Logger) *WikimediaSource {
	if cfg.WikipediaAPI == "" {
		cfg.WikipediaAPI = DefaultWikipediaAPI
	}
	if cfg.CommonsAPI == "" {
		cfg.CommonsAPI = DefaultCommonsAPI
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 1
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if log == nil {
		log = logger.Global().Module("media")
	}
	return &WikimediaSource{
		wikipediaAPI: cfg.WikipediaAPI,
		commonsAPI:   cfg.CommonsAPI,
		userAgent:    buildUserAgent(cfg.UserAgent),
		client:       cfg.HTTPClient,
		limiter:      rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		log:          log.With(logger.String("provider", wikiProviderName)),
	}
}

// buildUserAgent follows the Wikimedia User-Agent policy:
// <client name>/<version> (<contact information>) <library/framework name>/<version>
func buildUserAgent(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		base = "birdhub/unknown (species media resolver)"
	}
	if strings.Contains(base, userAgentLibrary) {
		return base
	}
	return fmt.Sprintf("%s %s/%s", base, userAgentLibrary, runtime.Version())
}

// Name implements Source
func (w *WikimediaSource) Name() string {
	return wikiProviderName
}

// FetchMedia implements Source. A partial result is returned without error when
// one of the wanted pieces was found; the error is reported only when nothing was.
func (w *WikimediaSource) FetchMedia(ctx context.Context, code, scientificName string, want Fields) (Media, error) {
	reqID := uuid.New().String()[:8]
	log := w.log.With(logger.String("request_id", reqID), logger.String("species_code", code))
	result := Media{SpeciesCode: code}

	var errs []error
	if want.Has(FieldImage) {
		imageURL, rights, err := w.fetchImage(ctx, reqID, scientificName)
		if err != nil {
			errs = append(errs, err)
			log.Debug("image lookup failed", logger.Error(err))
		} else {
			result.ImageURL, result.ImageRights = imageURL, rights
		}
	}
	if want.Has(FieldAudio) {
		audioURL, rights, err := w.fetchAudio(ctx, reqID, scientificName)
		if err != nil {
			errs = append(errs, err)
			log.Debug("audio lookup failed", logger.Error(err))
		} else {
			result.AudioURL, result.AudioRights = audioURL, rights
		}
	}

	if !result.Empty() {
		return result, nil
	}
	for _, err := range errs {
		if !errors.IsNotFound(err) {
			return result, err
		}
	}
	return result, notFound(wikiProviderName, code)
}

// fetchImage queries the page image of the species article and its attribution
func (w *WikimediaSource) fetchImage(ctx context.Context, reqID, scientificName string) (imageURL, rights string, err error) {
	params := url.Values{
		"action":        {"query"},
		"format":        {"json"},
		"formatversion": {"2"},
		"prop":          {"pageimages"},
		"piprop":        {"thumbnail|name"},
		"pilicense":     {"free"},
		"titles":        {scientificName},
		"pithumbsize":   {"400"},
		"redirects":     {""},
	}
	page, err := w.queryFirstPage(ctx, reqID, w.wikipediaAPI, params)
	if err != nil {
		return "", "", err
	}

	imageURL, err = page.GetString("thumbnail", "source")
	if err != nil {
		// common for pages without a free image
		return "", "", notFound(wikiProviderName, scientificName)
	}
	fileName, err := page.GetString("pageimage")
	if err != nil {
		return "", "", notFound(wikiProviderName, scientificName)
	}

	author, err := w.queryAuthorInfo(ctx, reqID, w.wikipediaAPI, "File:"+fileName)
	if err != nil {
		// the image is still usable without attribution details
		w.log.Debug("image attribution unavailable",
			logger.String("request_id", reqID),
			logger.String("file", fileName),
			logger.Error(err))
		return imageURL, "", nil
	}
	return imageURL, author.rights(), nil
}

// fetchAudio searches Commons for an audio file of the species
func (w *WikimediaSource) fetchAudio(ctx context.Context, reqID, scientificName string) (audioURL, rights string, err error) {
	params := url.Values{
		"action":        {"query"},
		"format":        {"json"},
		"formatversion": {"2"},
		"generator":     {"search"},
		"gsrsearch":     {fmt.Sprintf("%q filetype:audio", scientificName)},
		"gsrnamespace":  {"6"},
		"gsrlimit":      {"1"},
		"prop":          {"imageinfo"},
		"iiprop":        {"url|extmetadata"},
	}
	page, err := w.queryFirstPage(ctx, reqID, w.commonsAPI, params)
	if err != nil {
		return "", "", err
	}

	info, err := page.GetObjectArray("imageinfo")
	if err != nil || len(info) == 0 {
		return "", "", notFound(wikiProviderName, scientificName)
	}
	audioURL, err = info[0].GetString("url")
	if err != nil || audioURL == "" {
		return "", "", notFound(wikiProviderName, scientificName)
	}

	author := authorFromImageInfo(info[0])
	if author == nil {
		return audioURL, "", nil
	}
	return audioURL, author.rights(), nil
}

// queryAuthorInfo reads the extmetadata attribution of a file page
func (w *WikimediaSource) queryAuthorInfo(ctx context.Context, reqID, endpoint, fileTitle string) (*wikiAuthor, error) {
	params := url.Values{
		"action":        {"query"},
		"format":        {"json"},
		"formatversion": {"2"},
		"prop":          {"imageinfo"},
		"iiprop":        {"extmetadata"},
		"titles":        {fileTitle},
		"redirects":     {""},
	}
	page, err := w.queryFirstPage(ctx, reqID, endpoint, params)
	if err != nil {
		return nil, err
	}
	info, err := page.GetObjectArray("imageinfo")
	if err != nil || len(info) == 0 {
		return nil, notFound(wikiProviderName, fileTitle)
	}
	author := authorFromImageInfo(info[0])
	if author == nil {
		return nil, notFound(wikiProviderName, fileTitle)
	}
	return author, nil
}

// authorFromImageInfo extracts Artist, LicenseShortName and LicenseUrl
func authorFromImageInfo(info *jason.Object) *wikiAuthor {
	ext, err := info.GetObject("extmetadata")
	if err != nil {
		return nil
	}
	artistHTML, _ := ext.GetString("Artist", "value")
	licenseName, _ := ext.GetString("LicenseShortName", "value")
	licenseURL, _ := ext.GetString("LicenseUrl", "value")

	authorName, authorURL := "", ""
	if artistHTML != "" {
		var err error
		authorURL, authorName, err = extractArtistInfo(artistHTML)
		if err != nil {
			authorName = html2text.HTML2Text(artistHTML)
		}
	}
	if authorName == "" {
		authorName = "Unknown"
	}
	if licenseName == "" {
		licenseName = "Unknown"
	}
	return &wikiAuthor{
		name:        strings.TrimSpace(authorName),
		URL:         authorURL,
		licenseName: licenseName,
		licenseURL:  licenseURL,
	}
}

// rights renders the attribution stored next to a media link,
// e.g. "Jane Doe (https://commons.wikimedia.org/wiki/User:Jane), CC BY-SA 4.0 (https://creativecommons.org/licenses/by-sa/4.0)"
func (a *wikiAuthor) rights() string {
	var b strings.Builder
	b.WriteString(a.name)
	if a.URL != "" {
		fmt.Fprintf(&b, " (%s)", a.URL)
	}
	b.WriteString(", ")
	b.WriteString(a.licenseName)
	if a.licenseURL != "" {
		fmt.Fprintf(&b, " (%s)", a.licenseURL)
	}
	return b.String()
}

// queryFirstPage runs a query and returns the first non-missing page
func (w *WikimediaSource) queryFirstPage(ctx context.Context, reqID, endpoint string, params url.Values) (*jason.Object, error) {
	resp, err := w.query(ctx, reqID, endpoint, params)
	if err != nil {
		return nil, err
	}
	pages, err := resp.GetObjectArray("query", "pages")
	if err != nil || len(pages) == 0 {
		return nil, notFound(wikiProviderName, params.Get("titles")+params.Get("gsrsearch"))
	}
	if missing, _ := pages[0].GetBoolean("missing"); missing {
		return nil, notFound(wikiProviderName, params.Get("titles"))
	}
	return pages[0], nil
}

// query performs one rate limited GET against a MediaWiki API endpoint
func (w *WikimediaSource) query(ctx context.Context, reqID, endpoint string, params url.Values) (*jason.Object, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, errors.New(err).
			Component("media").
			Category(errors.CategoryTimeout).
			Context("provider", wikiProviderName).
			Context("request_id", reqID).
			Context("operation", "rate_limiter_wait").
			Build()
	}

	fullURL := endpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, http.NoBody)
	if err != nil {
		return nil, errors.New(err).
			Component("media").
			Category(errors.CategoryMediaFetch).
			Context("request_id", reqID).
			Build()
	}
	req.Header.Set("User-Agent", w.userAgent)
	req.Header.Set("Accept", "application/json")

	w.log.Trace("querying Wikimedia API",
		logger.String("request_id", reqID),
		logger.String("url", fullURL))

	resp, err := w.client.Do(req)
	if err != nil {
		category := errors.CategoryNetwork
		if ctx.Err() != nil {
			category = errors.CategoryTimeout
		}
		return nil, errors.New(err).
			Component("media").
			Category(category).
			Context("provider", wikiProviderName).
			Context("request_id", reqID).
			Context("operation", "query").
			Build()
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if policyErr := checkUserAgentPolicyViolation(reqID, resp.StatusCode, body, w.userAgent, w.log); policyErr != nil {
			return nil, policyErr
		}
		return nil, errors.Newf("Wikimedia API returned status %d", resp.StatusCode).
			Component("media").
			Category(errors.CategoryMediaFetch).
			Context("provider", wikiProviderName).
			Context("request_id", reqID).
			Context("status_code", resp.StatusCode).
			Build()
	}

	obj, err := jason.NewObjectFromReader(resp.Body)
	if err != nil {
		return nil, errors.Newf("failed to parse Wikimedia response: %w", err).
			Component("media").
			Category(errors.CategoryFileParsing).
			Context("provider", wikiProviderName).
			Context("request_id", reqID).
			Build()
	}
	return obj, nil
}

// checkUserAgentPolicyViolation turns a 403 caused by the robot policy into a permanent error
func checkUserAgentPolicyViolation(reqID string, statusCode int, responseBody []byte, userAgent string, log logger.Logger) error {
	if statusCode != http.StatusForbidden {
		return nil
	}
	bodyStr := string(responseBody)
	if !strings.Contains(bodyStr, "User-Agent") && !strings.Contains(bodyStr, "robot policy") {
		return nil
	}

	log.Error("Wikimedia blocked request, User-Agent policy violation",
		logger.String("user_agent", userAgent),
		logger.String("policy_url", "https://foundation.wikimedia.org/wiki/Policy:User-Agent_policy"))

	return errors.Newf("Wikimedia user-agent policy violation: %s", bodyStr).
		Component("media").
		Category(errors.CategoryConfiguration).
		Context("provider", wikiProviderName).
		Context("request_id", reqID).
		Context("status_code", statusCode).
		Context("user_agent", userAgent).
		Build()
}

// extractArtistInfo returns the link and text of the artist attribution HTML,
// preferring a link to a wiki user page.
func extractArtistInfo(htmlStr string) (href, text string, err error) {
	doc, err := html.Parse(strings.NewReader(htmlStr))
	if err != nil {
		return "", "", errors.Newf("failed to parse artist attribution HTML: %w", err).
			Component("media").
			Category(errors.CategoryFileParsing).
			Context("html_length", len(htmlStr)).
			Build()
	}

	links := findLinks(doc)
	for _, link := range links {
		if isWikiUserLink(extractHref(link)) {
			return extractHref(link), extractText(link), nil
		}
	}
	if len(links) > 0 {
		return extractHref(links[0]), extractText(links[0]), nil
	}
	return "", html2text.HTML2Text(htmlStr), nil
}

func isWikiUserLink(href string) bool {
	return strings.Contains(href, "/wiki/User:")
}

// findLinks traverses the HTML document and returns all anchor (<a>) tags.
func findLinks(doc *html.Node) []*html.Node {
	var linkNodes []*html.Node

	var traverse func(*html.Node)
	traverse = func(node *html.Node) {
		if node.Type == html.ElementNode && node.Data == "a" {
			linkNodes = append(linkNodes, node)
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			traverse(child)
		}
	}
	traverse(doc)

	return linkNodes
}

func extractHref(link *html.Node) string {
	for _, attr := range link.Attr {
		if attr.Key == "href" {
			return attr.Val
		}
	}
	return ""
}

// extractText renders the children of a link as plain text
func extractText(link *html.Node) string {
	if link.FirstChild == nil {
		return ""
	}
	var b bytes.Buffer
	for child := link.FirstChild; child != nil; child = child.NextSibling {
		if err := html.Render(&b, child); err != nil {
			return ""
		}
	}
	return html2text.HTML2Text(b.String())
}
