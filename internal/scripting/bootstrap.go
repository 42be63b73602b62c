package scripting

import "strings"

// hostGlobal is the name under which the worker exposes its host primitives
// to RuntimeShim. The shim captures it and removes it from the global scope.
const hostGlobal = "__host"

// RuntimeShim is the synchronization logic. It defines the Runtime class,
// whose execute method resets the shared channel, posts the command and
// blocks until the controller replies.
const RuntimeShim = `/****************************************************
* Synchronization Logic
***************************************************/
var Runtime = (function(host) {
    var _timeout = host.timeout;
    var _command = null;

    function getResult() {
        if (host.wait(_timeout) !== 'ok') {
            console.error('Script timeout while waiting for result!');
        }

        if (host.failed()) {
            throw new Error('Error executing ' + JSON.stringify(_command));
        }

        return new Uint8Array(host.buffer());
    }

    function Runtime(timeout) {
        if (timeout) {
            _timeout = timeout;
        }
    }

    Runtime.prototype.execute = function(command) {
        _command = command;

        host.reset();
        host.post(command);
        return getResult();
    };

    Runtime.prototype.post = function(message) {
        host.post(message);
    };

    return Runtime;
})(this.` + hostGlobal + `);
delete this.` + hostGlobal + `;
`

// APIShim is the scripting API available to user script: read, write,
// invoke, log and exit.
const APIShim = `/****************************************************
* Common Scripting API
***************************************************/
var Runtime = new Runtime();

function byteArrayToLong(byteArray) {
    var value = 0;
    for (var i = byteArray.length - 1; i >= 0; i--) {
        value = (value * 256) + byteArray[i];
    }

    return value;
}

function read(name) {
    var result = byteArrayToLong(Runtime.execute({
        cmd: 'read',
        name: name
    }));

    console.log('read(' + name + ') => ' + result);
    return result;
}

function write(name, value) {
    var result = byteArrayToLong(Runtime.execute({
        cmd: 'write',
        name: name,
        value: value
    }));

    console.log('write(' + name + ', ' + value + ') => ' + result);
    return result;
}

function invokeByName(name, args, inf) {
    var result = byteArrayToLong(Runtime.execute({
        cmd: 'invoke',
        inf: inf,
        name: name,
        args: args
    }).slice(0, 8));

    console.log('invoke(' + name + ', [' + args + '], ' + inf + ') => 0x' + result.toString(16));
    return result;
}

function invokeByInterface(inf, name, args) {
    var result = Runtime.execute({
        cmd: 'invoke',
        inf: inf,
        name: name,
        args: args
    });

    console.log('invoke(' + name + ', [' + args + '], ' + inf + ') => ' + result);
    return result;
}

function invoke(name, args, inf) {
    /* (inf, name, args) is the older argument order */
    if (arguments.length === 3 && Array.isArray(arguments[2])) {
        return invokeByInterface(arguments[0], arguments[1], arguments[2]);
    }
    return invokeByName(name, args, inf);
}

function log(text, clear) {
    Runtime.post({event: 'Log', detail: {text: text, clear: clear}});
}

function exit() {
    Runtime.post({event: 'Exit'});
}
`

// Bootstrap assembles the worker program: RuntimeShim, then APIShim, then
// the user script, so user code can call the API at top level.
func Bootstrap(script string) string {
	var b strings.Builder
	b.Grow(len(RuntimeShim) + len(APIShim) + len(script) + 2)
	b.WriteString(RuntimeShim)
	b.WriteString("\n")
	b.WriteString(APIShim)
	b.WriteString("\n")
	b.WriteString(script)
	return b.String()
}
