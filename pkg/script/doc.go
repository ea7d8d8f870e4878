/*
Package script reads and writes Patchwork script files.

A script is a single tree in the externally tagged form:

	{"Do": {"children": [
	    {"Print": {"message": "a"}},
	    {"Think": {"think": {"prompt": "p", "children": [
	        {"Print": {"message": "b"}},
	        {"Print": {"message": "c"}}
	    ]}}}
	]}}

The same shape is accepted as YAML for files ending in .yaml or .yml.
Every decoding failure is reported as a *domain.InputFormatError.
*/
package script
