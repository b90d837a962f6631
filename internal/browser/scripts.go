package browser

// In-page helpers. Functions are called with runtime.CallFunctionOn, either on
// an element handle (bound to this) or in a frame's execution context.

// queryFunction returns every element matching a selector below this, or
// below the document when this is not a node. Text selectors match the deepest
// elements whose rendered text contains the needle, case-insensitively.
const queryFunction = `function(kind, expr) {
	const root = (this && this.nodeType) ? this : document;
	const doc = root.ownerDocument || root;
	if (kind === 'css') {
		return Array.from(root.querySelectorAll(expr));
	}
	const out = [];
	if (kind === 'xpath') {
		const r = doc.evaluate(expr, root, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
		for (let i = 0; i < r.snapshotLength; i++) {
			const n = r.snapshotItem(i);
			if (n.nodeType === Node.ELEMENT_NODE) out.push(n);
		}
		return out;
	}
	if (kind === 'text') {
		const needle = expr.toLowerCase();
		const text = (el) => (el.innerText || el.textContent || '').replace(/\s+/g, ' ').toLowerCase();
		const walk = (el) => {
			let matched = false;
			for (const c of el.children) {
				if (walk(c)) matched = true;
			}
			if (matched) return true;
			if (el !== root && el.tagName !== 'SCRIPT' && el.tagName !== 'STYLE' && text(el).includes(needle)) {
				out.push(el);
				return true;
			}
			return false;
		};
		walk(root.nodeType === Node.DOCUMENT_NODE ? root.documentElement : root);
		return out;
	}
	throw new Error('unsupported selector kind ' + kind);
}`

// snapshotFunction reports attachment, visibility, enabled state and the
// bounding box of this.
const snapshotFunction = `function() {
	const attached = this.isConnected;
	if (!attached) {
		return {attached: false, visible: false, enabled: false, box: {x: 0, y: 0, width: 0, height: 0}};
	}
	const r = this.getBoundingClientRect();
	const style = this.ownerDocument.defaultView.getComputedStyle(this);
	const visible = style.display !== 'none' && style.visibility !== 'hidden' &&
		style.visibility !== 'collapse' && r.width > 0 && r.height > 0;
	const enabled = !(this.disabled || this.closest('fieldset[disabled]') || this.getAttribute('aria-disabled') === 'true');
	return {attached: true, visible: visible, enabled: enabled, box: {x: r.x, y: r.y, width: r.width, height: r.height}};
}`

const connectedFunction = `function() { return this.isConnected; }`

const textFunction = `function() {
	return (this.innerText !== undefined ? this.innerText : this.textContent || '').replace(/\s+/g, ' ').trim();
}`

// describeFunction renders a short tag summary such as <button id="go" class="primary">.
const describeFunction = `function() {
	let s = '<' + this.tagName.toLowerCase();
	if (this.id) s += ' id="' + this.id + '"';
	const cls = this.getAttribute('class');
	if (cls) s += ' class="' + cls + '"';
	return s + '>';
}`

// focusForFillFunction focuses an editable element and selects its content so
// inserted text replaces it. It throws for elements that cannot take text.
const focusForFillFunction = `function() {
	if (!this.isConnected) throw new Error('element is detached');
	if (this.disabled || this.readOnly) throw new Error('element is not editable');
	const tag = this.tagName;
	if (tag === 'INPUT' || tag === 'TEXTAREA') {
		this.focus();
		this.select();
		if (this.value !== '' && this.selectionStart === this.selectionEnd) {
			this.value = '';
		}
		return true;
	}
	if (this.isContentEditable) {
		this.focus();
		const range = this.ownerDocument.createRange();
		range.selectNodeContents(this);
		const sel = this.ownerDocument.defaultView.getSelection();
		sel.removeAllRanges();
		sel.addRange(range);
		return true;
	}
	throw new Error('element is not editable');
}`

// changeFunction dispatches the change event once text is inserted.
const changeFunction = `function() {
	this.dispatchEvent(new Event('change', {bubbles: true}));
}`

// clearFunction empties a focused editable element.
const clearFunction = `function() {
	if ('value' in this) {
		this.value = '';
	} else {
		this.textContent = '';
	}
	this.dispatchEvent(new Event('input', {bubbles: true}));
	this.dispatchEvent(new Event('change', {bubbles: true}));
}`

const scrollByFunction = `function(dx, dy) {
	this.scrollBy(dx, dy);
}`

const viewportExpression = `[window.innerWidth, window.innerHeight]`

const outerHTMLExpression = `document.documentElement ? document.documentElement.outerHTML : ''`

const readyStateExpression = `document.readyState`
