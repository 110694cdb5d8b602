// Package binding builds the guest-visible scope of a run: the host prelude,
// per-run console and capability stubs, the async envelope, and the helpers
// the supervisor uses to drive the guest's main function.
package binding

import (
	"fmt"

	"github.com/google/uuid"
)

// Raw host functions registered by a backend before the prelude runs. The
// prelude captures them and removes both globals.
const (
	RawCallName = "__sandbox_call"
	RawLogName  = "__sandbox_log"
)

// HiddenName is the frozen, non-configurable global holding the control
// functions. Capability names may not start with it. Every control function
// takes controlKey first and throws without it, so guest code cannot drive
// its own run.
const HiddenName = "__sandbox"

// controlKey never enters a guest-visible value.
var controlKey = uuid.NewString()

// Prelude returns the script evaluated once in every fresh interpreter scope.
// When resettable is true it also snapshots the reachable intrinsic graph so
// reset can undo guest mutations and the scope can be lent again.
func Prelude(resettable bool) string {
	return fmt.Sprintf("(%s)(globalThis, %t, %s);", preludeJS, resettable, jsString(controlKey))
}

const preludeJS = `function (g, resettable, key) {
	'use strict';
	var R = Reflect;
	var apply = R.apply, ownKeys = R.ownKeys, getDesc = R.getOwnPropertyDescriptor,
		defineProp = R.defineProperty, deleteProp = R.deleteProperty,
		getProto = R.getPrototypeOf, setProto = R.setPrototypeOf, isExtensible = R.isExtensible;
	var create = Object.create, freeze = Object.freeze;
	var hasOwn = Object.prototype.hasOwnProperty;
	var stringify = JSON.stringify, parse = JSON.parse;
	var toStr = String;
	var PromiseCtor = Promise, ErrorCtor = Error, TypeErrorCtor = TypeError;
	var promiseThen = Promise.prototype.then;
	var AsyncFunction = getProto(async function () {}).constructor;
	var internalProto = typeof g.InternalError === 'function' ? g.InternalError.prototype : null;

	var rawCall = g.` + RawCallName + `, rawLog = g.` + RawLogName + `;
	deleteProp(g, '` + RawCallName + `');
	deleteProp(g, '` + RawLogName + `');
	// Finalizer callbacks could run inside a later loan.
	deleteProp(g, 'FinalizationRegistry');
	deleteProp(g, 'WeakRef');

	var gen = 0;
	var pending = create(null);
	var main = null, started = false, state = 'idle', outcome;

	function has(o, k) { return apply(hasOwn, o, [k]); }

	function dataDesc(v) {
		var d = create(null);
		d.value = v;
		d.writable = true;
		d.enumerable = false;
		d.configurable = true;
		return d;
	}

	function messageOf(e) {
		try {
			if (e !== null && typeof e === 'object' && 'message' in e) return toStr(e.message);
			return toStr(e);
		} catch (_) {
			return 'unprintable value';
		}
	}

	function makeError(info) {
		var e = new ErrorCtor(toStr(info.message));
		defineProp(e, 'name', dataDesc(toStr(info.name || 'Error')));
		return e;
	}

	function rejected(err) {
		return new PromiseCtor(function (_, reject) { reject(err); });
	}

	function replacer(k, v) {
		var t = typeof v;
		if (t === 'function' || t === 'symbol') throw new TypeErrorCtor('cannot pass a ' + t);
		return v;
	}

	function format(a) {
		if (typeof a === 'string') return a;
		try {
			if (a instanceof ErrorCtor) return toStr(a.name) + ': ' + toStr(a.message);
			if (a !== null && typeof a === 'object') {
				var s = stringify(a);
				if (s !== undefined) return s;
			}
			return toStr(a);
		} catch (_) {
			return '[unprintable]';
		}
	}

	function logger(level, myGen) {
		return function () {
			if (myGen !== gen) return;
			var line = '';
			for (var i = 0; i < arguments.length; i++) {
				line += (i ? ' ' : '') + format(arguments[i]);
			}
			rawLog(level, line);
		};
	}

	function stub(name, myGen) {
		var fn = function () {
			if (myGen !== gen) return rejected(new ErrorCtor(name + ' is no longer available'));
			var args = [];
			for (var i = 0; i < arguments.length; i++) args[i] = arguments[i];
			var json;
			try {
				json = stringify(args, replacer);
			} catch (e) {
				return rejected(new TypeErrorCtor(name + ': arguments must be JSON-serializable: ' + messageOf(e)));
			}
			var reply = parse(rawCall(name, json));
			if (!has(reply, 'id')) return rejected(makeError(reply));
			var id = reply.id;
			return new PromiseCtor(function (resolve, reject) {
				pending[id] = { resolve: resolve, reject: reject };
			});
		};
		defineProp(fn, 'name', dataDesc(name));
		return fn;
	}

	function clear() {
		gen++;
		pending = create(null);
		main = null;
		started = false;
		state = 'idle';
		outcome = undefined;
	}

	function bind(namesJSON) {
		clear();
		var names = parse(namesJSON);
		var con = {};
		var levels = ['log', 'info', 'warn', 'error', 'debug'];
		for (var i = 0; i < levels.length; i++) {
			defineProp(con, levels[i], dataDesc(logger(levels[i], gen)));
		}
		defineProp(g, 'console', dataDesc(con));
		defineProp(g, 'log', dataDesc(logger('log', gen)));
		for (var j = 0; j < names.length; j++) {
			var name = names[j];
			if (has(g, name)) throw new ErrorCtor('capability ' + name + ' shadows a global');
			defineProp(g, name, dataDesc(stub(name, gen)));
		}
	}

	function compile(body) {
		main = new AsyncFunction(body);
	}

	function start() {
		if (started || main === null) throw new ErrorCtor('nothing to start');
		started = true;
		state = 'pending';
		var p;
		try {
			p = main();
		} catch (e) {
			state = 'rejected';
			outcome = e;
			return;
		}
		apply(promiseThen, p, [
			function (v) { state = 'fulfilled'; outcome = v; },
			function (e) { state = 'rejected'; outcome = e; }
		]);
	}

	function describeValue(v) {
		if (v === undefined) return { kind: 'undefined' };
		if (typeof v === 'string') return { kind: 'text', text: v };
		if (v === null || (typeof v !== 'object' && typeof v !== 'function')) return { kind: 'text', text: toStr(v) };
		try {
			var s = stringify(v, null, 2);
			if (s !== undefined) return { kind: 'text', text: s };
		} catch (_) {}
		try {
			return { kind: 'text', text: toStr(v) };
		} catch (_) {
			return { kind: 'text', text: '[object]' };
		}
	}

	function describeError(e) {
		var d = { kind: 'error', name: '', message: '', stack: '', engine: false };
		try {
			if (e !== null && (typeof e === 'object' || typeof e === 'function') && 'message' in e) {
				d.engine = internalProto !== null && getProto(e) === internalProto;
				d.name = toStr(e.name === undefined ? 'Error' : e.name);
				d.message = toStr(e.message);
				if (typeof e.stack === 'string') d.stack = e.stack;
			} else {
				d.message = toStr(e);
			}
		} catch (_) {
			d.message = 'unprintable thrown value';
		}
		return d;
	}

	function result() {
		var d = state === 'rejected' ? describeError(outcome) : describeValue(outcome);
		d.state = state;
		return stringify(d);
	}

	function settle(id, ok, payload) {
		var p = pending[id];
		if (p === undefined) return false;
		delete pending[id];
		var value = parse(payload);
		if (ok) p.resolve(value); else p.reject(makeError(value));
		return true;
	}

	var snapshot = [];

	function field(d, f) { return has(d, f) ? d[f] : undefined; }

	function same(cur, want) {
		return field(cur, 'value') === want.value && field(cur, 'get') === want.get &&
			field(cur, 'set') === want.set && field(cur, 'writable') === want.writable &&
			field(cur, 'enumerable') === want.enumerable && field(cur, 'configurable') === want.configurable;
	}

	function restore(t) {
		var obj = t.obj;
		if (t.ext && !isExtensible(obj)) return false;
		if (getProto(obj) !== t.proto && !setProto(obj, t.proto)) return false;
		var keys = ownKeys(obj);
		for (var i = 0; i < keys.length; i++) {
			if (t.known[keys[i]] !== true && !deleteProp(obj, keys[i])) return false;
		}
		for (var j = 0; j < t.keys.length; j++) {
			var cur = getDesc(obj, t.keys[j]);
			if (cur !== undefined && same(cur, t.descs[j])) continue;
			if (!defineProp(obj, t.keys[j], t.descs[j])) return false;
		}
		return true;
	}

	function reset() {
		clear();
		var clean = true;
		for (var i = 0; i < snapshot.length; i++) {
			if (!restore(snapshot[i])) clean = false;
		}
		return clean;
	}

	function guarded(fn) {
		return function (k, a, b, c) {
			if (k !== key) throw new ErrorCtor('not available to scripts');
			return fn(a, b, c);
		};
	}

	var hidden = freeze({
		bind: guarded(bind), compile: guarded(compile), start: guarded(start),
		state: guarded(function () { return state; }),
		result: guarded(result), settle: guarded(settle), reset: guarded(reset)
	});
	defineProp(g, '` + HiddenName + `', { value: hidden, writable: false, enumerable: false, configurable: false });

	if (!resettable) return;

	function copyDesc(d) {
		var c = create(null);
		var fields = ['value', 'get', 'set', 'writable', 'enumerable', 'configurable'];
		for (var i = 0; i < fields.length; i++) {
			if (has(d, fields[i])) c[fields[i]] = d[fields[i]];
		}
		return c;
	}

	var seen = new WeakMap();
	var stack = [g];
	var extra = [
		function () { return async function () {}; },
		function () { return function* () {}; },
		function () { return async function* () {}; },
		function () { return [][Symbol.iterator](); },
		function () { return new Map()[Symbol.iterator](); },
		function () { return new Set()[Symbol.iterator](); },
		function () { return ''[Symbol.iterator](); },
		function () { return /a/g[Symbol.matchAll]('a'); }
	];
	for (var x = 0; x < extra.length; x++) {
		try { stack.push(getProto(extra[x]())); } catch (_) {}
	}
	while (stack.length) {
		var obj = stack.pop();
		if (obj === null || (typeof obj !== 'object' && typeof obj !== 'function')) continue;
		if (seen.has(obj)) continue;
		seen.set(obj, true);
		var keys = ownKeys(obj), descs = [], known = create(null);
		for (var k = 0; k < keys.length; k++) {
			var d = getDesc(obj, keys[k]);
			descs.push(copyDesc(d));
			known[keys[k]] = true;
			if (has(d, 'value')) stack.push(d.value);
			else { stack.push(d.get); stack.push(d.set); }
		}
		var proto = getProto(obj);
		stack.push(proto);
		snapshot.push({ obj: obj, proto: proto, ext: isExtensible(obj), keys: keys, descs: descs, known: known });
	}
}`
