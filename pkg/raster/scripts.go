package raster

const (
	origAttr   = "data-pdfx-orig"
	hiddenAttr = "data-pdfx-display"
)

// expandJS removes clipping from the element and hides controls inside
// it, remembering the previous inline values on data attributes.
const expandJS = `(sel) => {
	const el = document.querySelector(sel);
	if (!el) return false;
	if (!el.hasAttribute('` + origAttr + `')) {
		el.setAttribute('` + origAttr + `', JSON.stringify({
			overflow: el.style.overflow, height: el.style.height, maxHeight: el.style.maxHeight
		}));
	}
	el.style.overflow = 'visible';
	el.style.height = 'auto';
	el.style.maxHeight = 'none';
	el.querySelectorAll('button, [role="button"]').forEach(b => {
		if (!b.hasAttribute('` + hiddenAttr + `')) b.setAttribute('` + hiddenAttr + `', b.style.display);
		b.style.display = 'none';
	});
	return true;
}`

// restoreJS puts back whatever expandJS changed
const restoreJS = `(sel) => {
	const el = document.querySelector(sel);
	if (!el) return false;
	const raw = el.getAttribute('` + origAttr + `');
	if (raw !== null) {
		const orig = JSON.parse(raw);
		el.style.overflow = orig.overflow;
		el.style.height = orig.height;
		el.style.maxHeight = orig.maxHeight;
		el.removeAttribute('` + origAttr + `');
	}
	el.querySelectorAll('[` + hiddenAttr + `]').forEach(b => {
		b.style.display = b.getAttribute('` + hiddenAttr + `');
		b.removeAttribute('` + hiddenAttr + `');
	});
	return true;
}`
