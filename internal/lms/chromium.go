package lms

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	appLog "gmoodle/internal/log"
	"gmoodle/internal/model"
)

const DefaultTimeout = 60 * time.Second

// extractUpcoming runs inside /calendar/view.php?view=upcoming and returns
// one object per event card.
const extractUpcoming = `Array.from(document.querySelectorAll('[data-type="event"]')).map(function (e) {
  var text = function (el) { return el ? el.textContent : ''; };
  var name = e.getAttribute('data-event-title') || text(e.querySelector('.name, h3'));
  var course = text(e.querySelector('a[href*="course/view.php"]'));
  var date = text(e.querySelector('.description .row .col-11, .description .col-11'));
  return {name: name, course: course, date: date};
})`

// loginSettled is truthy once the login POST has either left the login
// page or rendered an error.
const loginSettled = `document.readyState === 'complete' &&
  (!location.pathname.endsWith('/login/index.php') ||
   document.querySelector('#loginerrormessage, .loginerrors .alert, .alert-danger') !== null)`

const loginErrorPresent = `document.querySelector('#loginerrormessage, .loginerrors .alert, .alert-danger') !== null`

// ChromeDialer launches a local Chromium per session via chromedp.
type ChromeDialer struct {
	// Timeout bounds each of Login and FetchAssignments.
	Timeout time.Duration
	// ShowBrowser disables headless mode, for debugging selectors.
	ShowBrowser bool
	// ChromePath overrides the browser binary lookup.
	ChromePath string
}

type chromeSession struct {
	site    string
	creds   Credentials
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// Dial validates the site URL and starts a browser. The browser lives until
// Close or until ctx is done.
func (d ChromeDialer) Dial(ctx context.Context, creds Credentials) (Session, error) {
	site, err := NormalizeSiteURL(creds.SiteURL)
	if err != nil {
		return nil, err
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", !d.ShowBrowser),
		chromedp.WSURLReadTimeout(timeout),
	)
	if d.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(d.ChromePath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	cancel := func() {
		browserCancel()
		allocCancel()
	}

	// Start the browser on browserCtx itself; a first Run on a timeout
	// child would tie the browser's lifetime to that child. The timer kills
	// a launch that hangs past the session timeout instead.
	startup := time.AfterFunc(timeout, cancel)
	err = chromedp.Run(browserCtx)
	if !startup.Stop() && err == nil {
		err = context.DeadlineExceeded
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start browser: %w", ErrScrape, err)
	}

	return &chromeSession{
		site:    site,
		creds:   creds,
		timeout: timeout,
		ctx:     browserCtx,
		cancel:  cancel,
	}, nil
}

// run executes tasks in the session's browser, bounded by the session
// timeout and by the caller's ctx.
func (s *chromeSession) run(ctx context.Context, tasks chromedp.Tasks) error {
	runCtx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, tasks)
}

func (s *chromeSession) Login(ctx context.Context) (bool, error) {
	var failed bool
	var location string

	tasks := chromedp.Tasks{
		chromedp.Navigate(s.site + "/login/index.php"),
		chromedp.WaitVisible(`#username`, chromedp.ByQuery),
		chromedp.SendKeys(`#username`, s.creds.Username, chromedp.ByQuery),
		chromedp.SendKeys(`#password`, s.creds.Password, chromedp.ByQuery),
		chromedp.Submit(`#password`, chromedp.ByQuery),
		chromedp.Poll(loginSettled, nil, chromedp.WithPollingInterval(250*time.Millisecond)),
		chromedp.Evaluate(loginErrorPresent, &failed),
		chromedp.Location(&location),
	}

	if err := s.run(ctx, tasks); err != nil {
		return false, fmt.Errorf("%w: login: %w", ErrScrape, err)
	}

	ok := !failed && !strings.Contains(location, "/login/index.php")
	appLog.Debug("moodle login settled", "site", s.site, "ok", ok)
	return ok, nil
}

func (s *chromeSession) FetchAssignments(ctx context.Context) ([]model.Assignment, error) {
	var events []scrapedEvent

	tasks := chromedp.Tasks{
		chromedp.Navigate(s.site + "/calendar/view.php?view=upcoming"),
		chromedp.WaitReady(`body`, chromedp.ByQuery),
		chromedp.Evaluate(extractUpcoming, &events),
	}

	if err := s.run(ctx, tasks); err != nil {
		return nil, fmt.Errorf("%w: upcoming events: %w", ErrScrape, err)
	}

	assignments := toAssignments(events)
	appLog.Info("moodle upcoming events scraped", "site", s.site, "raw", len(events), "assignments", len(assignments))
	return assignments, nil
}

func (s *chromeSession) Close() {
	s.cancel()
}
