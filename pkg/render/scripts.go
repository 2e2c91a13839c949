package render

import (
	"encoding/json"
	"fmt"
)

// callJS wraps fn so that it is invoked with args serialized as JSON
// literals, which keeps untrusted strings out of the script text.
func callJS(fn string, args ...any) (string, error) {
	parts := make([]byte, 0, 64)
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return "", fmt.Errorf("encode script argument %d: %w", i, err)
		}
		if i > 0 {
			parts = append(parts, ',')
		}
		parts = append(parts, b...)
	}
	return fmt.Sprintf("() => (%s)(%s)", fn, parts), nil
}

// probeChartsJS counts vector and raster chart elements and reports
// whether all of them look drawn. Icon svgs nested in controls, links or
// other svgs are not chart-bearing.
const probeChartsJS = `(minSize) => {
	const skip = 'button, a, [role="button"], svg';
	const vectors = Array.from(document.querySelectorAll('svg')).filter(s => !s.parentElement || !s.parentElement.closest(skip));
	const canvases = Array.from(document.querySelectorAll('canvas'));
	const vectorsDrawn = vectors.every(s => {
		const r = s.getBoundingClientRect();
		return r.width > minSize && r.height > minSize;
	});
	const canvasPainted = (c) => {
		if (c.width === 0 || c.height === 0) return false;
		let ctx = null;
		try { ctx = c.getContext('2d'); } catch (e) { return true; }
		if (!ctx) return true;
		try {
			const data = ctx.getImageData(0, 0, c.width, c.height).data;
			for (let i = 3; i < data.length; i += 4) {
				if (data[i] !== 0) return true;
			}
			return false;
		} catch (e) {
			return true;
		}
	};
	const canvasesDrawn = canvases.every(canvasPainted);
	return { vectors: vectors.length, canvases: canvases.length, ready: vectorsDrawn && canvasesDrawn };
}`

const scrollMetricsJS = `() => ({
	y: window.scrollY || document.documentElement.scrollTop || 0,
	viewport: window.innerHeight,
	height: Math.max(document.body ? document.body.scrollHeight : 0, document.documentElement.scrollHeight)
})`

const scrollByJS = `(step) => { window.scrollBy(0, step); return window.scrollY; }`

const scrollTopJS = `() => { window.scrollTo(0, 0); return true; }`

const hideNavigationJS = `() => {
	const sel = 'nav, aside, .sidebar, [class*="sidebar"], nav[class*="side"], [role="navigation"]';
	let n = 0;
	document.querySelectorAll(sel).forEach(el => { el.style.setProperty('display', 'none', 'important'); n++; });
	return n;
}`

const hideControlsJS = `() => {
	let n = 0;
	document.querySelectorAll('button, [role="button"], .export-button').forEach(el => { el.style.setProperty('display', 'none', 'important'); n++; });
	return n;
}`

const hideHeadersJS = `() => {
	let n = 0;
	document.querySelectorAll('header').forEach(el => {
		if (!el.querySelector('h1')) { el.style.setProperty('display', 'none', 'important'); n++; }
	});
	return n;
}`

const widenMainJS = `() => {
	const main = document.querySelector('main') || document.body;
	if (!main) return false;
	main.style.marginLeft = '0';
	main.style.padding = '0 20px';
	main.style.width = '100%';
	main.style.maxWidth = '100%';
	return true;
}`

// injectStyleJS installs css under a fixed id at most once
const injectStyleJS = `(id, css) => {
	if (document.getElementById(id)) return false;
	const style = document.createElement('style');
	style.id = id;
	style.textContent = css;
	document.head.appendChild(style);
	return true;
}`

const printStyleID = "pdf-export-print-style"
const customStyleID = "pdf-export-custom-style"

const printCSS = `
@media print {
	html, body { background: #ffffff !important; color: #111827 !important; }
	* { -webkit-print-color-adjust: exact !important; print-color-adjust: exact !important; }
	.card, [class*="card"], [class*="chart"], .grid > div, .recharts-wrapper, .recharts-surface, canvas, svg {
		break-inside: avoid; page-break-inside: avoid;
	}
	h1, h2 { break-after: avoid; page-break-after: avoid; }
	p { widows: 3; orphans: 3; }
	.card, [class*="card"], table, th, td { border-color: #d1d5db !important; }
	.dark, [class*="dark"] { background: #ffffff !important; color: #111827 !important; }
}
`

// insertLabelsJS inserts a heading before the first element matching
// each selector, skipping ones already labelled with the marker class.
const insertLabelsJS = `(labels, marker, tag) => {
	let n = 0;
	labels.forEach(l => {
		const el = document.querySelector(l.selector);
		if (!el) return;
		const prev = el.previousElementSibling;
		if (prev && prev.classList.contains(marker)) return;
		const h = document.createElement(tag);
		h.className = marker;
		h.textContent = l.title;
		h.style.margin = '16px 0 8px';
		el.parentNode.insertBefore(h, el);
		n++;
	});
	return n;
}`

const sectionMarker = "pdf-export-section-label"
const chartMarker = "pdf-export-chart-label"

const dispatchResizeJS = `() => { window.dispatchEvent(new Event('resize')); return true; }`

// filterSectionsJS hides every element under body that is not a match,
// an ancestor of a match or a descendant of a match.
const filterSectionsJS = `(selectors) => {
	const matched = [];
	selectors.forEach(sel => {
		try { document.querySelectorAll(sel).forEach(el => matched.push(el)); } catch (e) {}
	});
	if (matched.length === 0) return 0;
	const keep = new Set();
	matched.forEach(el => {
		for (let cur = el; cur && cur !== document.body; cur = cur.parentElement) keep.add(cur);
	});
	const inside = (el) => matched.some(m => m.contains(el));
	document.body.querySelectorAll('*').forEach(el => {
		if (keep.has(el) || inside(el)) return;
		if (el.tagName === 'STYLE' || el.tagName === 'SCRIPT') return;
		el.style.setProperty('display', 'none', 'important');
	});
	return matched.length;
}`
