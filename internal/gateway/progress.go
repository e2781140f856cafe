package gateway

import "io"

// progressReader reports upload progress as a percentage while the HTTP
// transport drains the request body. Reported values never decrease.
type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	last   int
	report func(pct int)
}

func newProgressReader(r io.Reader, total int64, report func(pct int)) io.Reader {
	if report == nil || total <= 0 {
		return r
	}
	return &progressReader{r: r, total: total, last: -1, report: report}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		pct := int(p.read * 100 / p.total)
		if pct > 100 {
			pct = 100
		}
		if pct > p.last {
			p.last = pct
			p.report(pct)
		}
	}
	return n, err
}
